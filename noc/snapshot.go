package noc

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/spf13/afero"
)

// writeSnapshot atomically replaces the snapshot file with the current set
// of entries: write to a temp path, then rename, so a crash mid-write never
// corrupts the existing snapshot.
func writeSnapshot(fs afero.Fs, path string, entries []walEntry) error {
	body, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return fmt.Errorf("noc: snapshot rlp encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, body, 0o600); err != nil {
		return fmt.Errorf("noc: write snapshot temp file: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("noc: rename snapshot into place: %w", err)
	}
	return nil
}

func loadSnapshot(fs afero.Fs, path string) ([]walEntry, error) {
	body, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("noc: read snapshot: %w", err)
	}
	var entries []walEntry
	if err := rlp.DecodeBytes(body, &entries); err != nil {
		return nil, fmt.Errorf("noc: snapshot rlp decode: %w", err)
	}
	return entries, nil
}
