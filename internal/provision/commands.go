package provision

import (
	"context"
	"errors"
	"fmt"
	"path"

	"vncprov/internal/executor"
)

// userdel exit codes that mean the account or its home is already gone.
const (
	userdelNoSuchUser = 6
	userdelNoHome     = 12
)

func useraddCmd(shell, name string) string {
	return fmt.Sprintf("useradd -m -s %s %s", executor.ShellQuote(shell), name)
}

func userdelCmd(name string) string {
	return "userdel -r " + name
}

func mkdirCmd(dir string) string {
	return "mkdir -p " + executor.ShellQuote(dir)
}

func copyCmd(src, dst string) string {
	return fmt.Sprintf("cp %s %s", executor.ShellQuote(src), executor.ShellQuote(dst))
}

func chmodCmd(mode, p string) string {
	return fmt.Sprintf("chmod %s %s", mode, executor.ShellQuote(p))
}

func chownCmd(name, dir string) string {
	return fmt.Sprintf("chown -R %s:%s %s", name, name, executor.ShellQuote(dir))
}

func vncpasswdCmd(secretFile, dst string) string {
	return fmt.Sprintf("vncpasswd -f < %s > %s", executor.ShellQuote(secretFile), executor.ShellQuote(dst))
}

func removeCmd(p string) string {
	return "rm -f " + executor.ShellQuote(p)
}

const reloadUnitsCmd = "systemctl daemon-reload"

func systemctlCmd(verb, unit string) string {
	return "systemctl " + verb + " " + unit
}

// hostPaths are the on-host locations for one session.
type hostPaths struct {
	home     string
	vncDir   string
	xstartup string
	passwd   string
	unitPath string
}

func pathsFor(homeRoot, unitDir, name, unit string) hostPaths {
	home := path.Join(homeRoot, name)
	vncDir := path.Join(home, ".vnc")
	return hostPaths{
		home:     home,
		vncDir:   vncDir,
		xstartup: path.Join(vncDir, "xstartup"),
		passwd:   path.Join(vncDir, "passwd"),
		unitPath: path.Join(unitDir, unit),
	}
}

// removeAccount deletes name and its home directory. An account or home that
// is already gone is not an error.
func removeAccount(ctx context.Context, exec executor.Executor, name string) error {
	_, err := exec.Run(ctx, userdelCmd(name))
	if err == nil {
		return nil
	}
	var cmdErr *executor.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.ExitCode == userdelNoSuchUser || cmdErr.ExitCode == userdelNoHome) {
		return nil
	}
	return fmt.Errorf("delete account %s: %w", name, err)
}
