package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v55/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// GitHubReleaseUpdater downloads the tarball of the latest GitHub release
// into <dir>/releases/<tag>.tar.gz.
type GitHubReleaseUpdater struct {
	owner string
	repo  string
	dir   string

	client *github.Client
	http   *http.Client
	log    *zap.SugaredLogger
}

// NewGitHubReleaseUpdater builds an updater for repo ("owner/name"). An
// empty token uses unauthenticated requests.
func NewGitHubReleaseUpdater(repo, token, dir string, log *zap.SugaredLogger) (*GitHubReleaseUpdater, error) {
	httpClient := http.DefaultClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	return newGitHubReleaseUpdater(repo, dir, httpClient, log)
}

func newGitHubReleaseUpdater(repo, dir string, httpClient *http.Client, log *zap.SugaredLogger) (*GitHubReleaseUpdater, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("github update source needs UPDATE_REPO as owner/name, got %q", repo)
	}
	return &GitHubReleaseUpdater{
		owner:  owner,
		repo:   name,
		dir:    dir,
		client: github.NewClient(httpClient),
		http:   httpClient,
		log:    log,
	}, nil
}

func (u *GitHubReleaseUpdater) Update(ctx context.Context) (Revision, error) {
	release, _, err := u.client.Repositories.GetLatestRelease(ctx, u.owner, u.repo)
	if err != nil {
		return Revision{}, fmt.Errorf("latest release of %s/%s: %w", u.owner, u.repo, err)
	}
	tag := release.GetTagName()
	tarball := release.GetTarballURL()
	if tag == "" || tarball == "" {
		return Revision{}, fmt.Errorf("latest release of %s/%s has no tag or tarball", u.owner, u.repo)
	}

	dst := filepath.Join(u.dir, "releases", strings.ReplaceAll(tag, "/", "_")+".tar.gz")
	rev := Revision{Source: SourceGitHub, Ref: tag, Path: dst}
	if _, err := os.Stat(dst); err == nil {
		u.log.Infow("release already downloaded", "tag", tag, "path", dst)
		return rev, nil
	}

	u.log.Infow("downloading release", "repo", u.owner+"/"+u.repo, "tag", tag)
	if err := u.download(ctx, tarball, dst); err != nil {
		return Revision{}, err
	}
	u.log.Infow("release downloaded", "tag", tag, "path", dst)
	return rev, nil
}

// download writes url to dst through a temporary file so a partial
// download never sits at dst.
func (u *GitHubReleaseUpdater) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return os.Rename(tmp.Name(), dst)
}
