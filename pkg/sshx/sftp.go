package sshx

import (
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// Upload writes the content of src to the remote file at dst. Missing parent
// directories are created and an existing file is truncated.
func (client *Client) Upload(dst string, src io.Reader, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(client.Client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(dst)); err != nil {
		return err
	}

	file, err := sftpClient.Create(dst)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(file, src); err != nil {
		return err
	}

	if mode != 0 {
		if err := file.Chmod(mode); err != nil {
			return err
		}
	}

	client.Logger.Debug().Str("path", dst).Msg("Uploaded file")

	return nil
}

// Download copies the content of the remote file at src to dst.
func (client *Client) Download(src string, dst io.Writer) error {
	sftpClient, err := sftp.NewClient(client.Client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	file, err := sftpClient.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(dst, file)
	return err
}
