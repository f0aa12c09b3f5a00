// Package schema validates inbound inference requests and shapes outbound
// responses.
package schema

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"vlmd/internal/common/fsutil"
	"vlmd/internal/config"
	"vlmd/internal/media"
	"vlmd/internal/tasks"
	"vlmd/pkg/types"
)

const mb = 1 << 20

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string   { return e.Field + ": " + e.Reason }
func (e *ValidationError) Unwrap() error   { return e.Err }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// Validator checks requests against the registered tasks and size limits.
type Validator struct {
	reg        *tasks.Registry
	imageLimit int64
	videoLimit int64
	maxPages   int
}

func NewValidator(reg *tasks.Registry, sc config.ServerConfig) *Validator {
	return &Validator{
		reg:        reg,
		imageLimit: int64(sc.MaxFileSizeMB) * mb,
		videoLimit: int64(sc.MaxVideoSizeMB) * mb,
		maxPages:   sc.MaxPages,
	}
}

// Validate checks the request body before any media is fetched. An
// unregistered task is reported as the registry's unknown task error.
func (v *Validator) Validate(req types.InferRequest) error {
	id := strings.TrimSpace(req.Task)
	if id == "" {
		return &ValidationError{Field: "task", Reason: "is required"}
	}
	h, err := v.reg.Resolve(id)
	if err != nil {
		return err
	}
	info := h.Info()
	if req.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must not be negative"}
	}
	if req.Video != "" && !info.AcceptsVideo {
		return &ValidationError{Field: "video", Reason: fmt.Sprintf("task %s does not accept video", id)}
	}
	for _, f := range []struct {
		name string
		kind types.MediaKind
		ref  string
	}{{"image", types.MediaImage, req.Image}, {"video", types.MediaVideo, req.Video}} {
		if err := checkRefExt(f.name, f.kind, f.ref); err != nil {
			return err
		}
	}

	if err := v.checkPages(req); err != nil {
		return err
	}

	hasMedia := req.Image != "" || req.Video != "" || len(req.Pages) > 0
	hasText := strings.TrimSpace(req.Text) != ""
	switch {
	case info.RequiresMedia && !hasMedia:
		if info.AcceptsVideo {
			return &ValidationError{Field: "video", Reason: fmt.Sprintf("task %s needs an image or video", id)}
		}
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("task %s needs an image", id)}
	case !hasMedia && !hasText:
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("task %s needs text or an image", id)}
	}

	if id == tasks.TaskFieldExtraction || req.Schema != nil || req.Preset != "" {
		if _, err := tasks.SchemaFor(req); err != nil {
			var ie *tasks.InputError
			if errors.As(err, &ie) {
				return &ValidationError{Field: ie.Field, Reason: ie.Reason}
			}
			return err
		}
	}
	return nil
}

// checkPages validates the page list of a multi-page request. Pages are
// images and replace the single image reference.
func (v *Validator) checkPages(req types.InferRequest) error {
	if !tasks.ValidMerge(req.Merge) {
		return &ValidationError{Field: "merge", Reason: fmt.Sprintf("must be %s or %s", tasks.MergeConcatenate, tasks.MergeStructured)}
	}
	if len(req.Pages) == 0 {
		return nil
	}
	if req.Image != "" || req.Video != "" {
		return &ValidationError{Field: "pages", Reason: "cannot be combined with image or video"}
	}
	if v.maxPages > 0 && len(req.Pages) > v.maxPages {
		return &ValidationError{Field: "pages", Reason: fmt.Sprintf("%d pages exceeds limit of %d", len(req.Pages), v.maxPages)}
	}
	for i, p := range req.Pages {
		field := fmt.Sprintf("pages[%d]", i)
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Field: field, Reason: "is empty"}
		}
		if err := checkRefExt(field, types.MediaImage, p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMedia checks staged attachments: accepted type and size limit.
func (v *Validator) ValidateMedia(refs []types.MediaRef) error {
	for _, r := range refs {
		field := string(r.Kind)
		ext := fsutil.Ext(r.Path)
		if !media.Accepted(r.Kind, ext) && !acceptedMime(r.Kind, r.MimeType) {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported %s type %q (accepted: %s)", r.Kind, ext, strings.Join(accepted(r.Kind), ", "))}
		}
		limit := v.imageLimit
		if r.Kind == types.MediaVideo {
			limit = v.videoLimit
		}
		if limit > 0 && r.SizeBytes > limit {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("%d bytes exceeds %d MB limit", r.SizeBytes, limit/mb)}
		}
	}
	return nil
}

// checkRefExt rejects a reference whose extension is present but not
// accepted. References without an extension (URLs, s3 keys) are checked
// after staging.
func checkRefExt(field string, kind types.MediaKind, ref string) error {
	if ref == "" {
		return nil
	}
	p := ref
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return &ValidationError{Field: field, Reason: "malformed reference"}
		}
		p = u.Path
	}
	ext := fsutil.Ext(p)
	if ext == "" || media.Accepted(kind, ext) {
		return nil
	}
	return &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported %s type %q (accepted: %s)", kind, ext, strings.Join(accepted(kind), ", "))}
}

func acceptedMime(kind types.MediaKind, mt string) bool {
	if mt == "" {
		return false
	}
	for _, ext := range accepted(kind) {
		if media.MimeType(ext) == mt {
			return true
		}
	}
	return false
}

func accepted(kind types.MediaKind) []string {
	if kind == types.MediaVideo {
		return media.VideoExts
	}
	return media.ImageExts
}
