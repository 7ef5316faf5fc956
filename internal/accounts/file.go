// ABOUTME: Account directory backed by a TOML file
// ABOUTME: Edits rewrite the file atomically, keeping tokens sealed on disk

package accounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

type accountsFile struct {
	Accounts []*Account `toml:"account"`
}

// FileDirectory reads accounts from a TOML file of [[account]] tables.
type FileDirectory struct {
	path   string
	sealer *Sealer
	mu     sync.Mutex
}

// NewFileDirectory opens the accounts file at path. sealer may be nil when
// tokens are stored in plain text.
func NewFileDirectory(path string, sealer *Sealer) (*FileDirectory, error) {
	d := &FileDirectory{path: path, sealer: sealer}
	if _, err := d.read(); err != nil {
		return nil, err
	}
	return d, nil
}

// read loads the file as stored, with tokens still sealed.
func (d *FileDirectory) read() (*accountsFile, error) {
	var f accountsFile
	if _, err := toml.DecodeFile(d.path, &f); err != nil {
		return nil, fmt.Errorf("reading accounts file %s: %w", d.path, err)
	}
	seen := make(map[string]bool, len(f.Accounts))
	for _, a := range f.Accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("accounts file %s: account without id", d.path)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("accounts file %s: duplicate account id %q", d.path, a.ID)
		}
		seen[a.ID] = true
	}
	return &f, nil
}

func (d *FileDirectory) unsealed(a *Account) (*Account, error) {
	token, err := unseal(d.sealer, a.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	out := *a
	out.SessionToken = token
	return &out, nil
}

// ListAccounts returns every account in file order.
func (d *FileDirectory) ListAccounts(ctx context.Context) ([]*Account, error) {
	d.mu.Lock()
	f, err := d.read()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]*Account, 0, len(f.Accounts))
	for _, a := range f.Accounts {
		u, err := d.unsealed(a)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// ListActiveAccounts returns the accounts marked active.
func (d *FileDirectory) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	all, err := d.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return filterActive(all), nil
}

// GetAccount returns one account or ErrNotFound.
func (d *FileDirectory) GetAccount(ctx context.Context, id string) (*Account, error) {
	d.mu.Lock()
	f, err := d.read()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, a := range f.Accounts {
		if a.ID == id {
			return d.unsealed(a)
		}
	}
	return nil, ErrNotFound
}

// SetActive flips the account's active flag and rewrites the file.
func (d *FileDirectory) SetActive(ctx context.Context, id string, active bool) (*Account, error) {
	return d.update(id, func(a *Account) { a.IsActive = active })
}

// SetLabel renames the account and rewrites the file.
func (d *FileDirectory) SetLabel(ctx context.Context, id, label string) (*Account, error) {
	return d.update(id, func(a *Account) { a.Label = label })
}

// update applies fn to the stored account and persists the file.
func (d *FileDirectory) update(id string, fn func(*Account)) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.read()
	if err != nil {
		return nil, err
	}

	var target *Account
	for _, a := range f.Accounts {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		return nil, ErrNotFound
	}
	fn(target)

	if err := d.write(f); err != nil {
		return nil, err
	}
	return d.unsealed(target)
}

// DeleteAccount drops the account's table from the file.
func (d *FileDirectory) DeleteAccount(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.read()
	if err != nil {
		return err
	}
	kept := f.Accounts[:0]
	for _, a := range f.Accounts {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(f.Accounts) {
		return ErrNotFound
	}
	f.Accounts = kept
	return d.write(f)
}

// write replaces the file via a temp file and rename.
func (d *FileDirectory) write(f *accountsFile) error {
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".accounts-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp accounts file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing accounts file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("setting accounts file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("replacing accounts file: %w", err)
	}
	return nil
}

// Close is a no-op; the file is opened per call.
func (d *FileDirectory) Close() error { return nil }
