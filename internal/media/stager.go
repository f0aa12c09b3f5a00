package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"vlmd/internal/common/fsutil"
	"vlmd/internal/config"
	"vlmd/pkg/types"
)

const mb = 1 << 20

// Set is the media staged for one request. Release removes the temporary
// copies; caller-owned local files are left alone.
type Set struct {
	mu    sync.Mutex
	refs  []types.MediaRef
	temps []string
}

// Refs returns the staged attachments in request order.
func (s *Set) Refs() []types.MediaRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MediaRef(nil), s.refs...)
}

// Temps lists the temporary files owned by the set.
func (s *Set) Temps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.temps...)
}

func (s *Set) add(ref types.MediaRef, temp bool) {
	s.mu.Lock()
	s.refs = append(s.refs, ref)
	if temp {
		s.temps = append(s.temps, ref.Path)
	}
	s.mu.Unlock()
}

// Release removes temporary files. Safe to call more than once and on nil.
func (s *Set) Release() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	temps := s.temps
	s.temps = nil
	s.mu.Unlock()
	return fsutil.RemoveAll(temps...)
}

// Stager resolves attachment references into local files.
type Stager struct {
	tempDir string
	limits  map[types.MediaKind]int64
	http    *resty.Client
	storage config.StorageConfig
	log     zerolog.Logger

	s3Once sync.Once
	s3     S3API
	s3Err  error
}

// Option configures a Stager.
type Option func(*Stager)

// WithHTTPClient replaces the resty client used for http(s) references.
func WithHTTPClient(c *resty.Client) Option { return func(s *Stager) { s.http = c } }

// WithS3Client injects the S3 client instead of building one from config.
func WithS3Client(c S3API) Option {
	return func(s *Stager) {
		s.s3Once.Do(func() { s.s3 = c })
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Stager) { s.log = l } }

// NewStager builds a stager with the size limits and storage settings of cfg.
func NewStager(cfg config.Config, opts ...Option) *Stager {
	s := &Stager{
		tempDir: cfg.Storage.TempDir,
		limits: map[types.MediaKind]int64{
			types.MediaImage: int64(cfg.Server.MaxFileSizeMB) * mb,
			types.MediaVideo: int64(cfg.Server.MaxVideoSizeMB) * mb,
		},
		http:    resty.New(),
		storage: cfg.Storage,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stage fetches the image and video references of req. On error nothing
// staged so far is left behind.
func (s *Stager) Stage(ctx context.Context, req types.InferRequest) (*Set, error) {
	set := &Set{}
	if req.Image != "" {
		if err := s.StageRef(ctx, set, types.MediaImage, req.Image); err != nil {
			_ = set.Release()
			return nil, err
		}
	}
	if req.Video != "" {
		if err := s.StageRef(ctx, set, types.MediaVideo, req.Video); err != nil {
			_ = set.Release()
			return nil, err
		}
	}
	return set, nil
}

// StageRef adds one reference to set.
func (s *Stager) StageRef(ctx context.Context, set *Set, kind types.MediaKind, ref string) error {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return s.fetchHTTP(ctx, set, kind, ref)
	case strings.HasPrefix(ref, "s3://"):
		return s.fetchS3(ctx, set, kind, ref)
	case strings.HasPrefix(ref, "file://"):
		return s.local(set, kind, strings.TrimPrefix(ref, "file://"))
	case strings.Contains(ref, "://"):
		return &RefError{Field: string(kind), Ref: ref, Reason: "unsupported scheme (use a path, http(s):// or s3://)"}
	default:
		return s.local(set, kind, ref)
	}
}

// AddUpload copies an uploaded file into a temporary file owned by set.
func (s *Stager) AddUpload(set *Set, kind types.MediaKind, filename string, r io.Reader) error {
	ext := fsutil.Ext(filename)
	path, n, err := fsutil.CopyToTemp(s.tempDir, ext, r, s.limits[kind])
	if err != nil {
		return s.copyErr(kind, filename, err)
	}
	set.add(types.MediaRef{Kind: kind, Path: path, MimeType: MimeType(ext), SizeBytes: n}, true)
	s.log.Debug().Str("kind", string(kind)).Str("file", filename).Int64("bytes", n).Msg("upload staged")
	return nil
}

func (s *Stager) local(set *Set, kind types.MediaKind, ref string) error {
	p, err := fsutil.ExpandHome(ref)
	if err != nil {
		return &RefError{Field: string(kind), Ref: ref, Reason: err.Error()}
	}
	info, err := os.Stat(p)
	if err != nil {
		return &RefError{Field: string(kind), Ref: ref, Reason: "file not found"}
	}
	if info.IsDir() {
		return &RefError{Field: string(kind), Ref: ref, Reason: "is a directory"}
	}
	set.add(types.MediaRef{Kind: kind, Path: p, MimeType: MimeType(fsutil.Ext(p)), SizeBytes: info.Size()}, false)
	return nil
}

func (s *Stager) fetchHTTP(ctx context.Context, set *Set, kind types.MediaKind, ref string) error {
	resp, err := s.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(ref)
	if err != nil {
		return &FetchError{Ref: ref, Err: err}
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return &RefError{Field: string(kind), Ref: ref, Reason: "download failed: " + resp.Status()}
	}
	ext := ""
	if u, err := url.Parse(ref); err == nil {
		ext = fsutil.Ext(u.Path)
	}
	if !Accepted(kind, ext) {
		if ct := extForContentType(resp.Header().Get("Content-Type")); ct != "" {
			ext = ct
		}
	}
	path, n, err := fsutil.CopyToTemp(s.tempDir, ext, body, s.limits[kind])
	if err != nil {
		return s.copyErr(kind, ref, err)
	}
	set.add(types.MediaRef{Kind: kind, Path: path, MimeType: MimeType(ext), SizeBytes: n}, true)
	s.log.Debug().Str("ref", ref).Int64("bytes", n).Msg("http media staged")
	return nil
}

func (s *Stager) copyErr(kind types.MediaKind, ref string, err error) error {
	if errors.Is(err, fsutil.ErrTooLarge) {
		return &RefError{Field: string(kind), Ref: ref, Reason: fmt.Sprintf("exceeds %d MB limit", s.limits[kind]/mb), Err: err}
	}
	return fmt.Errorf("stage %s %s: %w", kind, ref, err)
}
