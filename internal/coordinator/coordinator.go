// Package coordinator drives one build from the unprivileged parent:
// host preparation, the sandboxed child, image assembly, variant patching
// and release, with cleanup on every exit path.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/opi5-alarm/tools/internal/assemble"
	"github.com/opi5-alarm/tools/internal/bootfs"
	"github.com/opi5-alarm/tools/internal/buildid"
	"github.com/opi5-alarm/tools/internal/config"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/logging"
	"github.com/opi5-alarm/tools/internal/manifest"
	"github.com/opi5-alarm/tools/internal/measure"
	"github.com/opi5-alarm/tools/internal/parttable"
	"github.com/opi5-alarm/tools/internal/release"
	"github.com/opi5-alarm/tools/internal/sandbox"
	"github.com/opi5-alarm/tools/internal/variant"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/mod/sumdb/note"
)

var ErrChildBuildFailed = errors.New("sandboxed child build failed")

// Files the child builder leaves in the cache directory.
const (
	RootImage   = "root.img"
	BootImage   = "boot.img"
	BootConfig  = "extlinux.conf"
	ResolvConf  = "resolv.conf"
	ManifestSum = "sha512sums"
	ManifestLst = "list"
)

// Spawner runs the sandboxed child and blocks until it exited.
type Spawner interface {
	Run(ctx context.Context, m sandbox.Mapping, args sandbox.ChildArgs) error
}

type Coordinator struct {
	Config *config.Struct
	Log    *zap.Logger
	// Progress receives the interactive stage timings.
	Progress io.Writer

	Identity   func() (sandbox.Identity, error)
	SubUIDPath string
	SubGIDPath string
	// HostResolvConf is staged into the cache for the child.
	HostResolvConf string
	Spawner        Spawner
	Table          parttable.Writer
	Injector       bootfs.Injector
	Now            func() time.Time

	mu       sync.Mutex
	state    State
	id       buildid.ID
	verified *manifest.Verified
}

// Result lists what a successful build produced.
type Result struct {
	ID        buildid.ID
	Base      string
	Variants  []string
	Published []string
}

// New returns a Coordinator using the host's identity files and the tools
// selected in cfg.
func New(cfg *config.Struct, log *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := parttable.ForTool(cfg.TableTool)
	if err != nil {
		return nil, err
	}
	injector, err := bootfs.ForTool(cfg.FatTool, log)
	if err != nil {
		return nil, err
	}
	builder, err := filepath.Abs(cfg.Builder())
	if err != nil {
		return nil, err
	}
	extra := []string{"--builder", builder}
	if log != nil && log.Core().Enabled(zapcore.DebugLevel) {
		extra = append(extra, "--verbose")
	}
	return &Coordinator{
		Config:         cfg,
		Log:            log,
		Progress:       os.Stderr,
		Identity:       sandbox.CurrentIdentity,
		SubUIDPath:     "/etc/subuid",
		SubGIDPath:     "/etc/subgid",
		HostResolvConf: "/etc/resolv.conf",
		Spawner: &sandbox.Reexec{
			ExtraArgs: extra,
			Dir:       cfg.ProjectDir,
			Stdout:    os.Stdout,
			Stderr:    os.Stderr,
			Log:       log,
		},
		Table:    table,
		Injector: injector,
		Now:      time.Now,
	}, nil
}

func (c *Coordinator) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Coordinator) progress() io.Writer {
	if c.Progress == nil {
		return io.Discard
	}
	return c.Progress
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		panic(fmt.Sprintf("BUG: illegal state transition %v → %v", c.state, to))
	}
	c.log().Debug("state transition", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
}

// Run performs the whole build. Whatever happens, the cache directory is
// removed and child processes are terminated before Run returns; a
// failed build removes every output it had already published.
func (c *Coordinator) Run(ctx context.Context) (_ *Result, err error) {
	cfg := c.Config
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	c.id = buildid.New(cfg.Tag, now())
	log := c.log().With(zap.Stringer("build", c.id))
	log.Info("starting build", zap.String("project", cfg.ProjectDir))

	defer func() {
		if cerr := c.cleanup(err != nil); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				log.Error("cleanup failed", zap.Error(cerr))
			}
		}
	}()

	if err := c.prepareHost(ctx); err != nil {
		return nil, err
	}
	if err := c.spawn(ctx); err != nil {
		return nil, err
	}

	base, err := c.assembleBase(ctx)
	if err != nil {
		return nil, err
	}
	variants, err := c.patchVariants(ctx, base)
	if err != nil {
		return nil, err
	}

	outputs := append([]string{base}, variants...)
	outputs = append(outputs, filepath.Join(cfg.OutDir(), c.id.RootArchive()))
	published, err := release.Publish(ctx, cfg.OutDir(), outputs, release.Options{
		Compress:    cfg.Compress,
		Parallelism: cfg.Workers(),
		Log:         log.With(logging.Stage("release")),
	})
	if err != nil {
		return nil, err
	}
	log.Info("build finished", zap.Int("images", 1+len(variants)))
	return &Result{
		ID:        c.id,
		Base:      base,
		Variants:  variants,
		Published: published,
	}, nil
}

// ID returns the identifier of the current (or last) build.
func (c *Coordinator) ID() buildid.ID { return c.id }

func (c *Coordinator) prepareHost(ctx context.Context) error {
	cfg := c.Config
	log := c.log().With(logging.Stage("prepare"))

	identity := sandbox.CurrentIdentity
	if c.Identity != nil {
		identity = c.Identity
	}
	id, err := identity()
	if err != nil {
		return err
	}
	if err := sandbox.RequireUnprivileged(id); err != nil {
		return err
	}

	if err := os.RemoveAll(cfg.CacheDir()); err != nil {
		return err
	}
	for _, dir := range []string{cfg.RootDir(), cfg.OutDir(), cfg.PkgDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	verified, err := Verify(cfg)
	if err != nil {
		return err
	}
	c.verified = verified
	log.Info("rkloaders verified",
		zap.Int("files", len(verified.Files())),
		zap.Int("vendor", len(verified.Vendor())))

	if err := writePacmanConfigs(cfg.CacheDir(), cfg.Mirrors); err != nil {
		return err
	}
	if err := c.stageResolvConf(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.transition(HostPrepared)
	return nil
}

// Verify checks the rkloader directory of cfg.
func Verify(cfg *config.Struct) (*manifest.Verified, error) {
	var opts []manifest.Option
	if cfg.ManifestKey != "" {
		v, err := note.NewVerifier(cfg.ManifestKey)
		if err != nil {
			return nil, fmt.Errorf("manifest_key: %v", err)
		}
		opts = append(opts, manifest.WithNoteVerifier(v))
	}
	dir := cfg.Rkloaders()
	return manifest.Verify(
		filepath.Join(dir, ManifestSum),
		filepath.Join(dir, ManifestLst),
		dir,
		opts...)
}

func (c *Coordinator) stageResolvConf() error {
	if c.HostResolvConf == "" {
		return nil
	}
	b, err := os.ReadFile(c.HostResolvConf)
	if err != nil {
		if os.IsNotExist(err) {
			c.log().Warn("no resolv.conf to stage, the child will have no name resolution",
				zap.String("path", c.HostResolvConf))
			return nil
		}
		return err
	}
	return os.WriteFile(filepath.Join(c.Config.CacheDir(), ResolvConf), b, 0644)
}

func (c *Coordinator) spawn(ctx context.Context) error {
	cfg := c.Config
	log := c.log().With(logging.Stage("child"))

	identity := sandbox.CurrentIdentity
	if c.Identity != nil {
		identity = c.Identity
	}
	id, err := identity()
	if err != nil {
		return err
	}
	m, err := sandbox.LookupSubIDs(id, c.SubUIDPath, c.SubGIDPath)
	if err != nil {
		return err
	}
	args := sandbox.ChildArgs{
		BuildID:   c.id.String(),
		RootUUID:  uuid.NewString(),
		BootUUID:  uuid.NewString(),
		Bootstrap: cfg.Packages.Bootstrap,
		Install:   cfg.Packages.Normal,
		Kernels:   cfg.Packages.Kernel,
	}
	log.Info("spawning sandboxed child",
		zap.Int("subuid", m.SubUID.Start),
		zap.Int("subgid", m.SubGID.Start),
		zap.String("uuid_root", args.RootUUID),
		zap.String("uuid_boot", args.BootUUID))

	c.transition(ChildSpawned)
	done := measure.Interactively(c.progress(), "building root file system in sandbox")
	runErr := c.Spawner.Run(ctx, m, args)
	done("")
	c.transition(ChildExited)
	if runErr != nil {
		return fmt.Errorf("%w: %w", ErrChildBuildFailed, runErr)
	}
	return c.checkChildOutputs()
}

// checkChildOutputs verifies the child left every file the image stages
// consume.
func (c *Coordinator) checkChildOutputs() error {
	cfg := c.Config
	for _, p := range []string{
		filepath.Join(cfg.CacheDir(), RootImage),
		filepath.Join(cfg.CacheDir(), BootImage),
		filepath.Join(cfg.CacheDir(), BootConfig),
		filepath.Join(cfg.OutDir(), c.id.RootArchive()),
	} {
		st, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: missing output: %v", ErrChildBuildFailed, err)
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrChildBuildFailed, p)
		}
	}
	return nil
}

func (c *Coordinator) assembleBase(ctx context.Context) (string, error) {
	cfg := c.Config
	minimal, err := layout.For(layout.Minimal, cfg.TotalMiB)
	if err != nil {
		return "", err
	}
	boot, err := assemble.PartitionPayload(minimal, layout.NameBoot, filepath.Join(cfg.CacheDir(), BootImage))
	if err != nil {
		return "", err
	}
	root, err := assemble.PartitionPayload(minimal, layout.NameRoot, filepath.Join(cfg.CacheDir(), RootImage))
	if err != nil {
		return "", err
	}
	out := filepath.Join(cfg.OutDir(), c.id.Base())
	done := measure.Interactively(c.progress(), "assembling base image")
	if err := assemble.Assemble(ctx, out, minimal.TotalBytes(), minimal, c.Table, []assemble.Payload{boot, root}); err != nil {
		done("")
		return "", err
	}
	done(", " + humanize.IBytes(uint64(minimal.TotalBytes())))
	c.log().Info("base image written", logging.Stage("assemble"), zap.String("path", out))
	return out, nil
}

func (c *Coordinator) patchVariants(ctx context.Context, base string) ([]string, error) {
	cfg := c.Config
	log := c.log().With(logging.Stage("variants"))
	template, err := os.ReadFile(filepath.Join(cfg.CacheDir(), BootConfig))
	if err != nil {
		return nil, err
	}
	var reqs []variant.Request
	for _, r := range c.verified.Records {
		if r.Class != manifest.ClassVendor {
			log.Info("skipping rkloader", zap.String("class", r.Class), zap.String("model", r.Model))
			continue
		}
		reqs = append(reqs, variant.Request{
			BaseImage:      base,
			Artifact:       filepath.Join(cfg.Rkloaders(), r.Filename),
			ArtifactDigest: c.verified.Digests[r.Filename],
			Model:          r.Model,
			Template:       string(template),
			BootImage:      filepath.Join(cfg.CacheDir(), BootImage),
			Kernels:        cfg.Packages.Kernel,
			Out:            filepath.Join(cfg.OutDir(), c.id.Variant(r.Model)),
			ScratchDir:     cfg.CacheDir(),
			Table:          c.Table,
			Injector:       c.Injector,
			Log:            log,
		})
	}
	done := measure.Interactively(c.progress(), fmt.Sprintf("patching %d variant images", len(reqs)))
	defer done("")
	return variant.PatchAll(ctx, reqs, cfg.Workers())
}

// cleanup runs on every exit path of Run. With discard set, outputs this
// build already published are removed, too.
func (c *Coordinator) cleanup(discard bool) error {
	cfg := c.Config
	log := c.log().With(logging.Stage("cleanup"))
	var result *multierror.Error

	if err := os.RemoveAll(cfg.RootDir()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := sandbox.TerminateChildren(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(cfg.CacheDir()); err != nil {
		result = multierror.Append(result, err)
	}
	if discard {
		if err := c.discardOutputs(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.transition(Cleaned)
	log.Debug("cleaned up", zap.Bool("discarded_outputs", discard))
	return result.ErrorOrNil()
}

func (c *Coordinator) discardOutputs() error {
	des, err := os.ReadDir(c.Config.OutDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var result *multierror.Error
	for _, de := range des {
		if !c.id.Owns(de.Name()) {
			continue
		}
		p := filepath.Join(c.Config.OutDir(), de.Name())
		if err := os.Remove(p); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c.log().Info("removed output of failed build", zap.String("path", p))
	}
	return result.ErrorOrNil()
}
