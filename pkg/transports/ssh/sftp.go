package ssh

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// ReadFrom returns the content of the remote file at p starting at offset.
// A missing file reads as empty.
func (c *Client) ReadFrom(p string, offset int64) ([]byte, error) {
	client, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: fmt.Errorf("open %s: %w", p, err)}
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, &TransportError{Op: "sftp-read", Err: fmt.Errorf("seek %s: %w", p, err)}
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: fmt.Errorf("read %s: %w", p, err), IsTemporary: true}
	}
	return data, nil
}

// ReadFile returns the whole content of the remote file at p.
func (c *Client) ReadFile(p string) ([]byte, error) {
	client, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(p)
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: fmt.Errorf("open %s: %w", p, err)}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: fmt.Errorf("read %s: %w", p, err), IsTemporary: true}
	}
	return data, nil
}
