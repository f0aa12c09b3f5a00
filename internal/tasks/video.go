package tasks

import (
	"regexp"
	"strconv"
	"strings"

	"vlmd/pkg/types"
)

var videoTmpl = template{
	info: types.TaskInfo{
		ID:            TaskVideo,
		Description:   "Describe a video with time-stamped segments",
		RequiresMedia: true,
		AcceptsText:   true,
		AcceptsVideo:  true,
	},
	system: "You are a helpful assistant specialized in video understanding. " +
		"Describe events in temporal order and reference when they happen.",
}

var segmentRe = regexp.MustCompile(`\[\s*(?:(\d+):)?(\d{1,2}):(\d{2})\s*-\s*(?:(\d+):)?(\d{1,2}):(\d{2})\s*\]\s*:?\s*(.*)`)

// VideoSegment is one time range of a video description.
type VideoSegment struct {
	Start        string `json:"start"`
	End          string `json:"end"`
	StartSeconds int    `json:"start_seconds"`
	EndSeconds   int    `json:"end_seconds"`
	Description  string `json:"description"`
}

// Video describes video content; the request text may ask a question.
type Video struct{}

func (Video) Info() types.TaskInfo { return videoTmpl.info }

func (Video) BuildPrompt(req Request) (types.PromptSpec, error) {
	user := "Describe what happens in this video. For each distinct event, start a new line " +
		"with its time range as [mm:ss-mm:ss] followed by a short description."
	if q := strings.TrimSpace(req.Text); q != "" {
		user = q + "\n\nWhen you refer to moments in the video, use [mm:ss-mm:ss] time ranges."
	}
	return videoTmpl.prompt(req, user), nil
}

func (Video) ParseOutput(raw string) (types.Result, error) {
	res := types.Result{Text: strings.TrimSpace(raw)}
	var segs []VideoSegment
	for _, line := range strings.Split(raw, "\n") {
		m := segmentRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start := clockSeconds(m[1], m[2], m[3])
		end := clockSeconds(m[4], m[5], m[6])
		segs = append(segs, VideoSegment{
			Start:        formatClock(start),
			End:          formatClock(end),
			StartSeconds: start,
			EndSeconds:   end,
			Description:  strings.TrimSpace(m[7]),
		})
	}
	if len(segs) > 0 {
		res.Data = map[string]any{"segments": segs}
	}
	return res, nil
}

func clockSeconds(h, m, s string) int {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.Atoi(s)
	return hh*3600 + mm*60 + ss
}

func formatClock(sec int) string {
	m, s := sec/60, sec%60
	return twoDigits(m) + ":" + twoDigits(s)
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
