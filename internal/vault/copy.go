package vault

import (
	"fmt"
	"io"
	"os"
)

// copyFile copies srcPath to destPath, replacing any existing file, and
// syncs the destination before returning.
func copyFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(destFile, srcFile)
	if err == nil {
		err = destFile.Sync()
	}
	closeErr := destFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}
