// Copyright 2024 The Armored Witness Loader authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package staged

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/completion"
	"github.com/transparency-dev/armored-witness-loader/internal/digest"
	"k8s.io/klog/v2"
)

// DirSource serves staged images from files named slot<index>.bin in a
// directory.
type DirSource struct {
	Dir string
}

// Path returns the location of the image for slot index.
func (s *DirSource) Path(index uint32) string {
	return filepath.Join(s.Dir, fmt.Sprintf("slot%d.bin", index))
}

// ReadAsync implements Source. The read is performed on a separate
// goroutine.
func (s *DirSource) ReadAsync(index uint32, offset uint64, buf []byte, done func(completion.Event)) error {
	f, err := os.Open(s.Path(index))
	if err != nil {
		return err
	}

	go func() {
		defer f.Close()

		n, err := f.ReadAt(buf, int64(offset))
		if errors.Is(err, io.EOF) {
			// Short reads at the end of the image are expected.
			err = nil
		}
		klog.V(2).Infof("staged slot %d: read %d bytes @ %d: %v", index, n, offset, err)
		done(completion.Event{N: n, Err: err})
	}()

	return nil
}

// Details describes the image in slot index, computing its size and
// digest. The digest is streamed through buf.
func (s *DirSource) Details(index uint32, version uint64, buf []byte) (api.FirmwareDetails, error) {
	f, err := os.Open(s.Path(index))
	if err != nil {
		return api.FirmwareDetails{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return api.FirmwareDetails{}, err
	}
	size := uint64(fi.Size())

	hash, err := digest.Sum(func(p []byte, addr uint64) error {
		_, err := f.ReadAt(p, int64(addr))
		return err
	}, 0, size, buf, nil)
	if err != nil {
		return api.FirmwareDetails{}, fmt.Errorf("failed to hash %s: %v", f.Name(), err)
	}

	return api.FirmwareDetails{
		Version: version,
		Size:    size,
		Hash:    hash,
	}, nil
}
