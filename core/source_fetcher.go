package core

// SourceFetcher resolves a BlueprintSource to a verified local executable,
// trying each source in order and failing over on any error.

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"lukechampine.com/blake3"
)

// DefaultMaxArchiveBytes is the streaming cap applied unless overridden by
// the MAX_ARCHIVE_BYTES environment variable.
const DefaultMaxArchiveBytes int64 = 1 << 30

const sourceFetchRetries = 3

// FetcherConfig carries the environment-derived knobs SourceFetcher needs.
type FetcherConfig struct {
	IpfsGatewayURL  string
	MaxArchiveBytes int64
	CacheDir        string
}

// SourceFetcher fetches and verifies blueprint binaries from an ordered
// list of BlueprintSource candidates.
type SourceFetcher struct {
	cfg        FetcherConfig
	httpClient *http.Client
	log        *logrus.Entry
}

// NewSourceFetcher constructs a fetcher. A zero MaxArchiveBytes in cfg is
// replaced with DefaultMaxArchiveBytes.
func NewSourceFetcher(cfg FetcherConfig, log *logrus.Entry) *SourceFetcher {
	if cfg.MaxArchiveBytes == 0 {
		cfg.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SourceFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
		log: log.WithField("component", "source_fetcher"),
	}
}

// Fetch tries each source in order, returning the local path of a verified
// executable. Archives are downloaded into memory, not into a temporary
// file, so a download cancelled through ctx leaves nothing on disk.
func (f *SourceFetcher) Fetch(ctx context.Context, sources []BlueprintSource) (string, error) {
	if len(sources) == 0 {
		return "", newFetchErr(FetchNoFetchers, "no sources declared", nil)
	}
	var lastErr error
	for i, src := range sources {
		path, err := f.fetchOne(ctx, src)
		if err == nil {
			return path, nil
		}
		lastErr = err
		f.log.WithFields(logrus.Fields{"source_index": i, "kind": src.Kind.String()}).
			WithError(err).Warn("source fetch failed, trying next")
	}
	return "", lastErr
}

func (f *SourceFetcher) fetchOne(ctx context.Context, src BlueprintSource) (string, error) {
	if src.Kind == SourceIpfs && f.cfg.IpfsGatewayURL == "" {
		return "", newFetchErr(FetchMissingIpfsGateway, "IPFS_GATEWAY_URL not set", nil)
	}

	cacheKey := cacheKeyFor(src)
	cachePath := filepath.Join(f.cfg.CacheDir, cacheKey)

	if wantHash, ok := declaredDigest(src); ok {
		if data, err := os.ReadFile(cachePath); err == nil {
			if sum := sha256.Sum256(data); bytes.Equal(sum[:], wantHash[:]) {
				return cachePath, nil
			}
		}
	}

	var archive []byte
	var err error
	switch src.Kind {
	case SourceGithub:
		archive, err = f.downloadWithRetry(ctx, githubArchiveURL(src))
	case SourceIpfs:
		archive, err = f.downloadWithRetry(ctx, ipfsGatewayURL(f.cfg.IpfsGatewayURL, src.CID))
	case SourceContainer:
		return "", newFetchErr(FetchDownloadFailed, "container sources are resolved by the orchestrator, not SourceFetcher", nil)
	case SourceTesting:
		return src.LocalPath, nil
	default:
		return "", newFetchErr(FetchDownloadFailed, "unknown source kind", nil)
	}
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(archive)
	asset, err := matchBinaryDigest(src, sum)
	if err != nil {
		return "", err
	}
	if asset.Blake3 != nil {
		b3 := blake3.Sum256(archive)
		if !bytes.Equal(b3[:], asset.Blake3[:]) {
			return "", newFetchErr(FetchHashMismatch, "blake3 mismatch", nil)
		}
	}

	binPath, err := extractAndLocate(archive, asset, f.cfg.CacheDir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		return "", newFetchErr(FetchDownloadFailed, "mkdir cache dir", err)
	}
	if err := os.Rename(binPath, cachePath); err != nil {
		return "", newFetchErr(FetchDownloadFailed, "rename into cache", err)
	}
	if err := os.Chmod(cachePath, 0o755); err != nil {
		return "", newFetchErr(FetchDownloadFailed, "chmod executable", err)
	}
	return cachePath, nil
}

// downloadWithRetry retries transient I/O failures with linear backoff.
// A *FetchError whose Class is not ClassTransientIO (e.g. an oversized
// archive) is permanent and returned immediately so the caller moves on
// to the next source instead of redownloading it.
func (f *SourceFetcher) downloadWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < sourceFetchRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, newFetchErr(FetchDownloadFailed, "canceled", ctx.Err())
		default:
		}
		data, err := f.download(ctx, url)
		if err == nil {
			return data, nil
		}
		if fe, ok := err.(*FetchError); ok && fe.Class() != ClassTransientIO {
			return nil, fe
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return nil, newFetchErr(FetchDownloadFailed, "exhausted retries", lastErr)
}

func (f *SourceFetcher) download(ctx context.Context, url string) ([]byte, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(connectCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, f.cfg.MaxArchiveBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > f.cfg.MaxArchiveBytes {
		return nil, &FetchError{Kind: FetchArchiveTooLarge, Msg: "archive exceeds MAX_ARCHIVE_BYTES"}
	}
	return buf, nil
}

func declaredDigest(src BlueprintSource) ([32]byte, bool) {
	for _, b := range src.Binaries {
		if b.OS == runtime.GOOS && b.Arch == runtime.GOARCH {
			return b.SHA256, true
		}
	}
	return [32]byte{}, false
}

func matchBinaryDigest(src BlueprintSource, sum [32]byte) (BinaryAsset, error) {
	for _, b := range src.Binaries {
		if b.OS == runtime.GOOS && b.Arch == runtime.GOARCH {
			if !bytes.Equal(b.SHA256[:], sum[:]) {
				return BinaryAsset{}, newFetchErr(FetchHashMismatch, "sha256 mismatch", nil)
			}
			return b, nil
		}
	}
	return BinaryAsset{}, newFetchErr(FetchNoMatchingBinary, fmt.Sprintf("no binary for %s/%s", runtime.GOOS, runtime.GOARCH), nil)
}

// extractAndLocate decompresses a .tar.xz archive and writes the binary
// matching asset.Name to a temp file in cacheDir, returning its path.
func extractAndLocate(archive []byte, asset BinaryAsset, cacheDir string) (string, error) {
	xr, err := xz.NewReader(bytes.NewReader(archive))
	if err != nil {
		return "", newFetchErr(FetchDownloadFailed, "xz decode", err)
	}
	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", newFetchErr(FetchDownloadFailed, "tar decode", err)
		}
		if filepath.Base(hdr.Name) != asset.Name {
			continue
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", newFetchErr(FetchDownloadFailed, "mkdir tmp", err)
		}
		tmp, err := os.CreateTemp(cacheDir, "fetch-*.tmp")
		if err != nil {
			return "", newFetchErr(FetchDownloadFailed, "create temp", err)
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", newFetchErr(FetchDownloadFailed, "write temp", err)
		}
		tmp.Close()
		return tmp.Name(), nil
	}
	return "", newFetchErr(FetchNoMatchingBinary, "binary name not found in archive", nil)
}

func cacheKeyFor(src BlueprintSource) string {
	sum := sha256.Sum256(src.identity())
	return fmt.Sprintf("%x", sum)
}

func githubArchiveURL(src BlueprintSource) string {
	return fmt.Sprintf("https://github.com/%s/%s/releases/download/%s/blueprint.tar.xz", src.Owner, src.Repo, src.Tag)
}

func ipfsGatewayURL(gateway string, cidBytes []byte) string {
	c, err := cid.Cast(cidBytes)
	if err != nil {
		return gateway
	}
	return fmt.Sprintf("%s/ipfs/%s", gateway, c.String())
}
