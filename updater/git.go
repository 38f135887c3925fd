package updater

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// runFunc executes git with args and returns stdout.
type runFunc func(ctx context.Context, args ...string) (string, error)

// GitUpdater fast-forwards the working tree the binary was deployed from.
type GitUpdater struct {
	dir string
	log *zap.SugaredLogger
	run runFunc
}

func NewGitUpdater(dir string, log *zap.SugaredLogger) *GitUpdater {
	g := &GitUpdater{dir: dir, log: log}
	g.run = g.exec
	return g
}

// exec runs git against the updater's directory via -C. Stderr is kept
// for the error message.
func (g *GitUpdater) exec(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", g.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), g.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (g *GitUpdater) Update(ctx context.Context) (Revision, error) {
	g.log.Infow("pulling latest source", "dir", g.dir)
	out, err := g.run(ctx, "pull", "--ff-only")
	if err != nil {
		return Revision{}, err
	}
	g.log.Debugw("git pull", "output", strings.TrimSpace(out))

	head, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Revision{}, err
	}
	rev := Revision{Source: SourceGit, Ref: strings.TrimSpace(head), Path: g.dir}
	g.log.Infow("source updated", "ref", rev.Ref)
	return rev, nil
}
