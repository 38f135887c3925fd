// Package updater fetches the latest deployable revision of spiked before
// update reconciles settings. The orchestrator only sees the Updater
// interface; how the artifact is fetched is up to the implementation.
package updater

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	SourceGit    = "git"
	SourceGitHub = "github"
	SourceNone   = "none"
)

// Revision describes what an update fetched.
type Revision struct {
	Source string
	Ref    string
	Path   string
}

type Updater interface {
	Update(ctx context.Context) (Revision, error)
}

// Options selects and configures an Updater.
type Options struct {
	Source string
	// Dir is the working tree for git, or the download root for GitHub.
	Dir string
	// Repo is owner/name for the GitHub source.
	Repo  string
	Token string
	Log   *zap.SugaredLogger
}

// New returns the Updater named by opts.Source.
func New(opts Options) (Updater, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Source)) {
	case "", SourceGit:
		return NewGitUpdater(opts.Dir, opts.Log), nil
	case SourceGitHub:
		return NewGitHubReleaseUpdater(opts.Repo, opts.Token, opts.Dir, opts.Log)
	case SourceNone:
		return Noop{Log: opts.Log}, nil
	}
	return nil, fmt.Errorf("unknown update source %q", opts.Source)
}

// Noop skips fetching.
type Noop struct {
	Log *zap.SugaredLogger
}

func (n Noop) Update(ctx context.Context) (Revision, error) {
	n.Log.Infow("artifact update disabled, keeping current revision")
	return Revision{Source: SourceNone}, nil
}
