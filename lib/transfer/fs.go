// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transfer

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// fileRef is one file discovered while walking a source tree, flattened
// so upload/download folder transfers can share the same chunked-copy and
// progress machinery as single-file transfers.
type fileRef struct {
	relPath string // path relative to the transfer root, using "/" separators
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

// localWalk lists every non-directory entry under root (root itself if
// root is a file), depth-first. Symlinks are not descended into: each is
// listed as a file entry with the link's own size and mode, and
// transferring it reads its target's content, so a symlink to a directory
// fails as a file transfer.
func localWalk(root string) ([]fileRef, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !info.IsDir() {
		return []fileRef{{relPath: filepath.Base(root), size: info.Size(), mode: info.Mode(), modTime: info.ModTime()}}, nil
	}

	var out []fileRef
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, fileRef{
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			mode:    info.Mode(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// remoteWalk is the SFTP-side equivalent of localWalk, used by folder
// downloads to discover the file list before any bytes move.
func remoteWalk(client *sftp.Client, root string) ([]fileRef, error) {
	info, err := client.Stat(root)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !info.IsDir() {
		return []fileRef{{relPath: path.Base(root), size: info.Size(), mode: info.Mode(), modTime: info.ModTime()}}, nil
	}

	var out []fileRef
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		info := walker.Stat()
		if info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(root, walker.Path())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, fileRef{
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			mode:    info.Mode(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

// copyChunked copies src to dst in chunkSize pieces, invoking onChunk after
// each chunk with the number of bytes written. It stops at the next chunk
// boundary once done is closed: the in-flight chunk completes, no further
// chunk starts.
func copyChunked(done <-chan struct{}, src io.Reader, dst io.Writer, chunkSize int, onChunk func(n int64)) error {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-done:
			return errCancelled
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return trace.Wrap(err)
			}
			onChunk(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return trace.Wrap(readErr)
		}
	}
}

var errCancelled = trace.Errorf("transfer cancelled")
