package media

import "fmt"

// Layer is one simulcast quality layer.
type Layer struct {
	MaxBitrate      uint64
	ScaleDownFactor float64
}

// SimulcastLayers is the fixed layer table, ordered low to high quality.
var SimulcastLayers = []Layer{
	{MaxBitrate: 100_000, ScaleDownFactor: 4},
	{MaxBitrate: 300_000, ScaleDownFactor: 2},
	{MaxBitrate: 900_000, ScaleDownFactor: 1},
}

// Encodings maps layers onto encoding parameters without altering their values.
func Encodings(layers []Layer) []RTPEncodingParameters {
	out := make([]RTPEncodingParameters, len(layers))
	for i, l := range layers {
		out[i] = RTPEncodingParameters{
			RID:                   fmt.Sprintf("r%d", i),
			MaxBitrate:            l.MaxBitrate,
			ScaleResolutionDownBy: l.ScaleDownFactor,
		}
	}
	return out
}
