// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package checkpoint

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// A snapshot is a point-in-time copy of the checkpoint database, for
// backups and for seeding a replacement master. The stream is a small
// header followed by the snappy-compressed bolt file:
//
//	4 bytes  magic
//	4 bytes  format version
//	8 bytes  save count at the time of the dump
const snapMagic uint32 = 0x00B10CDB

type snapVersion uint32

// Current version: bolt db compressed with snappy.
const boltSnappyV1 snapVersion = 1

type snapHeader struct {
	Magic     uint32
	Version   snapVersion
	SaveCount uint64
}

// Save writes a snapshot of the store to 'w'. The dump is taken inside one
// read transaction, so it is consistent even on a live master.
func (s *Store) Save(w io.Writer) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		var count uint64
		if m, ok, err := (&Txn{txn: tx}).Meta(); err != nil {
			return err
		} else if ok {
			count = m.SaveCount
		}
		hdr := snapHeader{Magic: snapMagic, Version: boltSnappyV1, SaveCount: count}
		if err := binary.Write(w, binary.BigEndian, &hdr); err != nil {
			return err
		}
		sw := snappy.NewBufferedWriter(w)
		if _, err := tx.WriteTo(sw); err != nil {
			return err
		}
		return sw.Close()
	})
	return errors.Wrap(err, "save snapshot")
}

// Restore materializes a snapshot stream as a new checkpoint database at
// 'path'. It refuses to overwrite an existing file. The restored meta is
// returned so callers can report what they got.
func Restore(r io.Reader, path string) (Meta, error) {
	var hdr snapHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Meta{}, errors.Wrap(err, "read snapshot header")
	}
	if hdr.Magic != snapMagic {
		return Meta{}, errors.Errorf("bad snapshot magic %#x", hdr.Magic)
	}
	if hdr.Version != boltSnappyV1 {
		return Meta{}, errors.Errorf("unknown snapshot version %d", hdr.Version)
	}

	if _, err := os.Stat(path); err == nil {
		return Meta{}, errors.Errorf("%q already exists, not overwriting", path)
	} else if !os.IsNotExist(err) {
		return Meta{}, errors.Wrapf(err, "stat %q", path)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, dbPerm)
	if err != nil {
		return Meta{}, errors.Wrap(err, "create restore target")
	}
	if _, err := io.Copy(f, snappy.NewReader(r)); err != nil {
		f.Close()
		os.Remove(tmp)
		return Meta{}, errors.Wrap(err, "decompress snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Meta{}, errors.Wrap(err, "sync restore target")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Meta{}, errors.Wrap(err, "close restore target")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Meta{}, errors.Wrap(err, "rename restore target")
	}

	// Reopen what we wrote to pull out the counters, and to catch a
	// truncated stream before anyone trusts the file.
	s, err := Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer s.Close()
	var m Meta
	err = s.View(func(t *Txn) error {
		var err error
		m, _, err = t.Meta()
		return err
	})
	return m, err
}
