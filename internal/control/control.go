package control

import "time"

// Request is one line sent to the control socket.
type Request struct {
	Op string `json:"op"`
}

// Status describes a running training job.
type Status struct {
	Running   bool    `json:"running"`
	UptimeSec float64 `json:"uptime_sec"`
	Phase     string  `json:"phase"`
	Epoch     int     `json:"epoch"`
	Batches   int64   `json:"batches"`
	LastLoss  float64 `json:"last_loss"`
	LR        float64 `json:"lr"`
	BestWER   float64 `json:"best_wer"`

	History []StageStats `json:"history"`
}

type SimpleResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// StageStats is the summary of one finished stage.
type StageStats struct {
	Stage     string             `json:"stage"`
	Epoch     int                `json:"epoch"`
	Stats     map[string]float64 `json:"stats"`
	Timestamp time.Time          `json:"timestamp"`
}
