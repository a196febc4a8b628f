// Package sdp reads the media structure of session descriptions.
package sdp

import (
	"fmt"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/pion/sdp/v3"
)

// Parser implements core.SDPParser on top of pion/sdp.
type Parser struct{}

func NewParser() Parser { return Parser{} }

// MediaLines lists every m= section in order with its media type and mid.
func (Parser) MediaLines(desc string) ([]core.MediaLine, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(desc)); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}
	out := make([]core.MediaLine, 0, len(sd.MediaDescriptions))
	for _, media := range sd.MediaDescriptions {
		mid, _ := media.Attribute(sdp.AttrKeyMID)
		out = append(out, core.MediaLine{
			Type: media.MediaName.Media,
			Mid:  mid,
		})
	}
	return out, nil
}
