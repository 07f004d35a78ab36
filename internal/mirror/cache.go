// Package mirror maintains local bare mirrors of remote repositories.
// Mirrors are shared by every task that references the same owner/name and
// are refreshed in place; all mutation of one mirror is serialized.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
)

// URLFunc builds the remote URL for a repository. It carries no credentials;
// the token is passed to git per command (see gitcmd.RunAuth).
type URLFunc func(owner, name string) string

// HTTPSURL returns a URLFunc for an https git host
func HTTPSURL(host string) URLFunc {
	return func(owner, name string) string {
		return fmt.Sprintf("https://%s/%s/%s.git", host, owner, name)
	}
}

// Config configures the cache
type Config struct {
	Root      string  // {baseReposRoot}
	Host      string  // git host, used when RemoteURL is nil
	RemoteURL URLFunc // overrides Host, e.g. to point at local remotes in tests
	Logger    *zap.Logger
}

// Cache is the Repository Cache
type Cache struct {
	root      string
	remoteURL URLFunc
	locks     *keyedMutex
	log       *zap.Logger
}

// New creates a Cache rooted at cfg.Root
func New(cfg Config) *Cache {
	remoteURL := cfg.RemoteURL
	if remoteURL == nil {
		host := cfg.Host
		if host == "" {
			host = "github.com"
		}
		remoteURL = HTTPSURL(host)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		root:      cfg.Root,
		remoteURL: remoteURL,
		locks:     newKeyedMutex(),
		log:       log.Named("mirror"),
	}
}

// Path returns the deterministic mirror location for owner/name
func (c *Cache) Path(owner, name string) string {
	return filepath.Join(c.root, owner, name)
}

// Exists reports whether a usable mirror is present for owner/name
func (c *Cache) Exists(owner, name string) bool {
	_, err := os.Stat(filepath.Join(c.Path(owner, name), "HEAD"))
	return err == nil
}

// WithLock runs fn while holding the mirror's lock. Anything that writes to
// the mirror's git directory (worktree add/prune, config, push) goes through here.
func (c *Cache) WithLock(ctx context.Context, owner, name string, fn func(mirrorPath string) error) error {
	unlock, err := c.locks.Lock(ctx, owner+"/"+name)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(c.Path(owner, name))
}

// Ensure clones the mirror on first use and fetches it on every later use.
// It returns the local mirror path.
func (c *Cache) Ensure(ctx context.Context, owner, name, token string) (string, error) {
	var path string
	err := c.WithLock(ctx, owner, name, func(mirrorPath string) error {
		path = mirrorPath
		if c.Exists(owner, name) {
			return c.fetch(ctx, owner, name, token, mirrorPath)
		}
		return c.clone(ctx, owner, name, token, mirrorPath)
	})
	if err != nil {
		return "", &domain.MirrorError{Owner: owner, Name: name, Err: err}
	}
	return path, nil
}

func (c *Cache) clone(ctx context.Context, owner, name, token, path string) error {
	c.log.Info("cloning mirror", zap.String("repo", owner+"/"+name), zap.String("path", path))

	// leftovers of an interrupted clone would make git refuse the target
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing partial mirror: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating mirror parent: %w", err)
	}

	if _, err := gitcmd.RunAuth(ctx, filepath.Dir(path), token, "clone", "--bare", c.remoteURL(owner, name), path); err != nil {
		os.RemoveAll(path)
		return err
	}
	if err := c.configure(ctx, path); err != nil {
		os.RemoveAll(path)
		return err
	}
	if _, err := gitcmd.RunAuth(ctx, path, token, "fetch", "origin", "--prune"); err != nil {
		os.RemoveAll(path)
		return err
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, owner, name, token, path string) error {
	c.log.Debug("fetching mirror", zap.String("repo", owner+"/"+name))

	// the stored URL never holds a token; this also scrubs mirrors that once did
	if _, err := gitcmd.Run(ctx, path, "remote", "set-url", "origin", c.remoteURL(owner, name)); err != nil {
		return err
	}
	if err := c.configure(ctx, path); err != nil {
		return err
	}
	_, err := gitcmd.RunAuth(ctx, path, token, "fetch", "--all", "--prune")
	return err
}

// configure makes the bare clone usable as a worktree source: remote branches
// land in refs/remotes/origin so origin/<base> resolves and task branches are
// never clobbered by a fetch.
func (c *Cache) configure(ctx context.Context, path string) error {
	_, err := gitcmd.Run(ctx, path, "config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*")
	return err
}

// List returns the owner/name of every mirror under the root
func (c *Cache) List() ([]domain.Repository, error) {
	owners, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var repos []domain.Repository
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(c.root, o.Name()))
		if err != nil {
			continue
		}
		for _, n := range names {
			if n.IsDir() && c.Exists(o.Name(), n.Name()) {
				repos = append(repos, domain.Repository{Owner: o.Name(), Name: n.Name()})
			}
		}
	}
	return repos, nil
}
