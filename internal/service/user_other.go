//go:build !unix

package service

import (
	"errors"
	"os/exec"
)

func runAs(cmd *exec.Cmd, username string) error {
	return errors.New("running services as another user is not supported on this platform")
}
