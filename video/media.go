package video

// InputVideo holds the probed characteristics of a source video that drive
// parameter selection.
type InputVideo struct {
	Format    string  `json:"format,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	SizeBytes int64   `json:"size,omitempty"`
	FPS       float64 `json:"fps,omitempty"`
	Width     int64   `json:"width,omitempty"`
	Height    int64   `json:"height,omitempty"`
}
