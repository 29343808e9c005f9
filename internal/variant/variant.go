// Package variant turns the generic base image into one image per vendor
// rkloader: the bootloader blob goes in front of the boot partition, the
// Full partition table describes it, and extlinux.conf is adapted to the
// board.
package variant

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/opi5-alarm/tools/internal/assemble"
	"github.com/opi5-alarm/tools/internal/bootfs"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/parttable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrPatch = errors.New("patching variant image failed")

// loaderOffset is where the vendor rkloader image starts. The blob brings
// its own idbloader and u-boot at the offsets of the Full layout.
const loaderOffset = 0

type Request struct {
	// BaseImage is the image assembled with the Minimal layout.
	BaseImage string
	// Artifact is the gzip compressed rkloader, ArtifactDigest the hex
	// SHA-512 of the compressed file as listed in the manifest.
	Artifact       string
	ArtifactDigest string
	Model          string
	// Template is the extlinux.conf rendered by the child builder.
	Template  string
	BootImage string
	Kernels   []string
	Out       string
	// ScratchDir holds the per-variant copy of the boot image.
	ScratchDir string
	Table      parttable.Writer
	Injector   bootfs.Injector
	Log        *zap.Logger
}

func (r *Request) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func patchErr(model string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPatch, model, err)
}

// Patch writes the variant image to req.Out and returns that path. The
// output is only created once fully written and synced.
func Patch(ctx context.Context, req Request) (string, error) {
	log := req.log().With(zap.String("model", req.Model))

	st, err := os.Stat(req.BaseImage)
	if err != nil {
		return "", patchErr(req.Model, err)
	}
	if st.Size()%layout.MiB != 0 {
		return "", patchErr(req.Model, fmt.Errorf("base image size %d is not a multiple of 1 MiB", st.Size()))
	}
	full, err := layout.For(layout.Full, uint64(st.Size()/layout.MiB))
	if err != nil {
		return "", patchErr(req.Model, err)
	}
	boot := full.Boot()

	pf, err := renameio.NewPendingFile(req.Out, renameio.WithPermissions(0644))
	if err != nil {
		return "", patchErr(req.Model, err)
	}
	defer pf.Cleanup()

	if err := assemble.Copy(ctx, pf.File, req.BaseImage); err != nil {
		return "", patchErr(req.Model, err)
	}

	// The artifact is hashed while it is decompressed, so the bytes that
	// end up in the image are the bytes that were verified.
	h := sha512.New()
	loader := assemble.Payload{
		Name:   "rkloader " + req.Model,
		Offset: loaderOffset,
		Limit:  boot.StartBytes() - loaderOffset,
		Open:   func() (io.ReadCloser, error) { return openLoader(req.Artifact, h) },
	}
	if err := assemble.WritePayload(pf.File, st.Size(), loader); err != nil {
		return "", patchErr(req.Model, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.ToLower(req.ArtifactDigest) {
		return "", patchErr(req.Model, fmt.Errorf("%s changed after verification: sha512 %s, want %s", req.Artifact, got, req.ArtifactDigest))
	}
	log.Debug("rkloader written", zap.String("artifact", req.Artifact))

	if err := req.Table.WriteTable(ctx, pf.Name(), full); err != nil {
		return "", patchErr(req.Model, err)
	}

	bootCopy, err := privateBootImage(ctx, req)
	if err != nil {
		return "", patchErr(req.Model, err)
	}
	defer os.Remove(bootCopy)
	if err := assemble.WritePayload(pf.File, st.Size(), assemble.FilePayload(layout.NameBoot, bootCopy, boot.StartBytes(), boot.SizeBytes())); err != nil {
		return "", patchErr(req.Model, err)
	}

	if err := ctx.Err(); err != nil {
		return "", patchErr(req.Model, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", patchErr(req.Model, err)
	}
	unix.Sync()
	log.Info("variant image written",
		zap.String("path", req.Out),
		zap.String("dtb", DeviceTree(req.Model)),
		zap.Bool("sata", NeedsSATAOverlay(req.Model)),
		zap.String("size", humanize.IBytes(uint64(st.Size()))))
	return req.Out, nil
}

// openLoader returns the decompressed artifact. Closing the result drains
// the compressed file into h so that trailing bytes are hashed, too.
func openLoader(path string, h hash.Hash) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	tee := io.TeeReader(f, h)
	zr, err := gzip.NewReader(tee)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &loaderReader{Reader: zr, zr: zr, tee: tee, f: f}, nil
}

type loaderReader struct {
	io.Reader
	zr     *gzip.Reader
	tee    io.Reader
	f      *os.File
	closed bool
}

func (l *loaderReader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	defer l.f.Close()
	if err := l.zr.Close(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, l.tee)
	return err
}

// privateBootImage copies the boot image into req.ScratchDir and injects
// the board specific extlinux.conf. Workers never share a boot image.
func privateBootImage(ctx context.Context, req Request) (string, error) {
	tmp, err := os.CreateTemp(req.ScratchDir, "boot-"+req.Model+"-*.img")
	if err != nil {
		return "", err
	}
	if err := assemble.Copy(ctx, tmp, req.BootImage); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	conf := RenderBootConfig(req.Template, req.Model, req.Kernels)
	if err := req.Injector.Inject(ctx, tmp.Name(), bootfs.ExtlinuxPath, []byte(conf)); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// PatchAll runs Patch for every request with at most parallelism workers.
// The first failure cancels the remaining work; images which were already
// published stay in place.
func PatchAll(ctx context.Context, reqs []Request, parallelism int) ([]string, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	outs := make([]string, len(reqs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	for i, req := range reqs {
		eg.Go(func() error {
			out, err := Patch(ctx, req)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}
