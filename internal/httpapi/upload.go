package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/gorilla/schema"

	"vlmd/internal/tasks"
	"vlmd/pkg/types"
)

var formDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// decodeUpload turns a parsed multipart form into an InferInput. The
// returned func closes the opened file parts and is never nil.
func decodeUpload(form *multipart.Form) (InferInput, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var f types.UploadForm
	if err := formDecoder.Decode(&f, form.Value); err != nil {
		return InferInput{}, closeAll, fmt.Errorf("invalid form: %w", err)
	}
	req := types.InferRequest{
		Task:      f.Task,
		Text:      f.Text,
		Prompt:    f.Prompt,
		Preset:    f.Preset,
		MaxTokens: f.MaxTokens,
		Stream:    true,
	}
	if _, ok := form.Value["stream"]; ok {
		req.Stream = f.Stream
	}
	if f.Schema != "" {
		var s types.ExtractionSchema
		if err := json.Unmarshal([]byte(f.Schema), &s); err != nil {
			return InferInput{}, closeAll, fmt.Errorf("schema: invalid JSON: %w", err)
		}
		req.Schema = &s
	}
	opts, err := tasks.ParseOptions(f.Options)
	if err != nil {
		return InferInput{}, closeAll, err
	}
	req.Options = opts

	var uploads []Upload
	for _, kind := range []types.MediaKind{types.MediaImage, types.MediaVideo} {
		parts := form.File[string(kind)]
		switch len(parts) {
		case 0:
			continue
		case 1:
		default:
			return InferInput{}, closeAll, fmt.Errorf("%s: at most one file is accepted", kind)
		}
		file, err := parts[0].Open()
		if err != nil {
			return InferInput{}, closeAll, fmt.Errorf("%s: %w", kind, err)
		}
		closers = append(closers, file)
		uploads = append(uploads, Upload{Kind: kind, Filename: parts[0].Filename, Body: file})
	}
	return InferInput{Request: req, Uploads: uploads}, closeAll, nil
}
