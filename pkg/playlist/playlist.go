// Package playlist holds the stateless helpers for turning playlist text
// into segment URLs and for producing a self-contained, fully local copy of
// a playlist. All functions operate on the playlist split into lines and
// never keep state between calls.
package playlist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/grafov/m3u8"
)

// ErrPlaylistParse is returned for malformed or empty playlists.
var ErrPlaylistParse = errors.New("malformed or empty playlist")

// decode parses playlist lines with the strict decoder.
func decode(lines []string) (m3u8.Playlist, m3u8.ListType, error) {
	content := strings.TrimSpace(strings.Join(lines, "\n"))
	if content == "" {
		return nil, 0, ErrPlaylistParse
	}
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrPlaylistParse, err)
	}
	return p, listType, nil
}

// ResolveURL resolves a possibly relative reference against a base URL.
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// LocalFilename maps a remote URL to a stable, filesystem-safe local name.
// The name is a pure function of the URL (md5 hex plus the URL path's
// extension), so identical URLs map to identical files across runs and
// processes and repeated segments dedup onto one file.
func LocalFilename(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return name + ext
		}
	}
	return name
}

// FirstVariantURI returns the first nested playlist reference in a master
// playlist, or false when the lines describe a media playlist.
func FirstVariantURI(lines []string) (string, bool) {
	p, listType, err := decode(lines)
	if err != nil || listType != m3u8.MASTER {
		return "", false
	}
	master := p.(*m3u8.MasterPlaylist)
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			return v.URI, true
		}
	}
	return "", false
}

// SegmentURLs resolves every segment reference into an ordered URL list.
// Order is preserved; it defines the playback sequence.
func SegmentURLs(lines []string, base *url.URL) ([]string, error) {
	p, listType, err := decode(lines)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: expected media playlist", ErrPlaylistParse)
	}
	media := p.(*m3u8.MediaPlaylist)

	var urls []string
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		urls = append(urls, ResolveURL(base, seg.URI))
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrPlaylistParse)
	}
	return urls, nil
}

// KeyURIs returns the encryption key URIs referenced by a media playlist,
// in order of first appearance and without duplicates. The URIs are returned
// as written, not resolved against any base.
func KeyURIs(lines []string) []string {
	p, listType, err := decode(lines)
	if err != nil || listType != m3u8.MEDIA {
		return nil
	}
	media := p.(*m3u8.MediaPlaylist)

	var uris []string
	seen := make(map[string]bool)
	add := func(key *m3u8.Key) {
		if key == nil || key.URI == "" || seen[key.URI] {
			return
		}
		seen[key.URI] = true
		uris = append(uris, key.URI)
	}
	add(media.Key)
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		add(seg.Key)
	}
	return uris
}

// WriteLocalized writes a copy of the playlist into outputDir with every
// segment URI replaced by its deterministic local filename and every key URI
// replaced by its mapped local key filename. Keys missing from keyMap fall
// back to the deterministic name so the output is self-contained either way.
// Returns the absolute path of the written file.
func WriteLocalized(lines []string, base *url.URL, keyMap map[string]string, outputDir, fileName string) (string, error) {
	p, listType, err := decode(lines)
	if err != nil {
		return "", err
	}
	if listType != m3u8.MEDIA {
		return "", fmt.Errorf("%w: expected media playlist", ErrPlaylistParse)
	}
	media := p.(*m3u8.MediaPlaylist)

	localizeKey := func(key *m3u8.Key) {
		if key == nil || key.URI == "" {
			return
		}
		if local, ok := keyMap[key.URI]; ok {
			key.URI = local
			return
		}
		key.URI = LocalFilename(ResolveURL(base, key.URI))
	}

	localizeKey(media.Key)
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		localizeKey(seg.Key)
		if seg.URI != "" {
			seg.URI = LocalFilename(ResolveURL(base, seg.URI))
		}
	}

	dst, err := filepath.Abs(filepath.Join(outputDir, fileName))
	if err != nil {
		return "", err
	}
	tmp := dst + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, []byte(media.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write localized playlist: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write localized playlist: %w", err)
	}
	return dst, nil
}

// isRemote reports whether a playlist reference still points at the network.
func isRemote(uri string) bool {
	return strings.Contains(uri, "://") || strings.HasPrefix(uri, "//")
}

// IsLocalizedComplete reports whether the playlist at path exists, references
// only local files, and every referenced segment and key file is present in
// outputDir. Files in the directory that the playlist does not reference are
// ignored.
func IsLocalizedComplete(path, outputDir string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	p, listType, err := decode(strings.Split(string(data), "\n"))
	if err != nil || listType != m3u8.MEDIA {
		return false
	}
	media := p.(*m3u8.MediaPlaylist)

	present := func(uri string) bool {
		if uri == "" {
			return true
		}
		if isRemote(uri) {
			return false
		}
		_, err := os.Stat(filepath.Join(outputDir, uri))
		return err == nil
	}

	count := 0
	if media.Key != nil && !present(media.Key.URI) {
		return false
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil && !present(seg.Key.URI) {
			return false
		}
		if seg.URI == "" {
			continue
		}
		if !present(seg.URI) {
			return false
		}
		count++
	}
	return count > 0
}
