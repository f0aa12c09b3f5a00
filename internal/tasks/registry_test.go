package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlmd/pkg/types"
)

func TestRegistryResolveIsStable(t *testing.T) {
	r := NewDefaultRegistry()
	for _, info := range r.Tasks() {
		h1, err := r.Resolve(info.ID)
		require.NoError(t, err)
		h2, err := r.Resolve(info.ID)
		require.NoError(t, err)
		assert.Equal(t, h1, h2, "task %s", info.ID)
	}
}

func TestRegistryUnknownTask(t *testing.T) {
	r := NewDefaultRegistry()
	for _, id := range []string{"", "OCR", "summarize", "ocr "} {
		_, err := r.Resolve(id)
		require.Error(t, err)
		assert.True(t, IsUnknownTask(err), "id %q", id)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("ocr", OCR{}))
	err := r.Register("ocr", Layout{})
	require.Error(t, err)
	assert.True(t, IsDuplicateTask(err))
	assert.Panics(t, func() { r.MustRegister("ocr", OCR{}) })
}

func TestRegistryTasksSorted(t *testing.T) {
	tasks := NewDefaultRegistry().Tasks()
	require.Len(t, tasks, 12)
	for i := 1; i < len(tasks); i++ {
		assert.Less(t, tasks[i-1].ID, tasks[i].ID)
	}
	byID := map[string]types.TaskInfo{}
	for _, ti := range tasks {
		byID[ti.ID] = ti
	}
	assert.False(t, byID[TaskNER].RequiresMedia)
	assert.True(t, byID[TaskNER].AcceptsText)
	assert.True(t, byID[TaskOCR].RequiresMedia)
	assert.True(t, byID[TaskVideo].AcceptsVideo)
}

type recordingHandler struct{ OCR }

func (recordingHandler) ParseOutputFor(req Request, raw string) (types.Result, error) {
	return types.Result{Text: req.Option("tag") + raw}, nil
}

func TestParseDispatch(t *testing.T) {
	req := Request{InferRequest: types.InferRequest{Options: map[string]string{"tag": "x:"}}}
	res, err := Parse(recordingHandler{}, req, "y")
	require.NoError(t, err)
	assert.Equal(t, "x:y", res.Text)

	res, err = Parse(OCR{}, req, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Text)
}
