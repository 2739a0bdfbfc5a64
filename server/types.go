package server

import "github.com/ollama/videogen/videogen"

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Image and EndImage are base64 encoded PNG, JPEG or WebP files.
	Image    string `json:"image"`
	EndImage string `json:"end_image,omitempty"`

	// Options override the server defaults. Keys follow the JSON names of
	// videogen.Options, e.g. {"steps": 20, "slg": {"layers": [9]}}.
	Options map[string]any `json:"options,omitempty"`

	// Frames asks for the decoded frames as base64 PNGs in the done event.
	Frames bool `json:"frames,omitempty"`
}

// ProgressEvent is streamed after every completed sampling step.
type ProgressEvent struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

// GenerateResponse is the payload of the done event.
type GenerateResponse struct {
	ID       string   `json:"id"`
	Seed     int64    `json:"seed"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Frames   int      `json:"frames"`
	Steps    int      `json:"steps"`
	Forwards int      `json:"forwards"`
	Duration float64  `json:"duration"` // seconds
	Images   []string `json:"images,omitempty"`
}

// ErrorEvent is the payload of the error event.
type ErrorEvent struct {
	ID      string `json:"id,omitempty"`
	Error   string `json:"error"`
	Aborted bool   `json:"aborted,omitempty"`
}

// ConfigResponse is returned by GET /api/config.
type ConfigResponse struct {
	Model    videogen.Config   `json:"model"`
	Defaults videogen.Options  `json:"defaults"`
	Solvers  []string          `json:"solvers"`
	Env      map[string]string `json:"env"`
}
