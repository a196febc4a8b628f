package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/sfuclient/internal/adapters/sdp"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localFactory() *Factory {
	return NewFactory(webrtc.Configuration{})
}

func TestSubscribeOfferHasOneLinePerPublisher(t *testing.T) {
	pc, err := localFactory().Create(domain.DirectionRecv)
	require.NoError(t, err)
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := pc.CreateSubscribeOffer(ctx, []domain.Publisher{
		{UID: "a", Kind: domain.MediaAudio},
		{UID: "a", Kind: domain.MediaVideo},
	})
	require.NoError(t, err)

	lines, err := sdp.NewParser().MediaLines(offer)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "audio", lines[0].Type)
	assert.Equal(t, "video", lines[1].Type)
	assert.NotEqual(t, lines[0].Mid, lines[1].Mid)
}

func TestSendOfferCarriesTracks(t *testing.T) {
	pc, err := localFactory().Create(domain.DirectionSend)
	require.NoError(t, err)
	defer pc.Close()

	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := pc.AddSendTracks(ctx, []webrtc.TrackLocal{video})
	require.NoError(t, err)

	lines, err := sdp.NewParser().MediaLines(offer)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "video", lines[0].Type)
}

func TestCloseClosesTrackEvents(t *testing.T) {
	pc, err := localFactory().Create(domain.DirectionRecv)
	require.NoError(t, err)

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())

	_, ok := <-pc.TrackEvents()
	assert.False(t, ok)
}

func TestUnknownKindRejected(t *testing.T) {
	pc, err := localFactory().Create(domain.DirectionRecv)
	require.NoError(t, err)
	defer pc.Close()

	_, err = pc.CreateSubscribeOffer(context.Background(), []domain.Publisher{{UID: "a", Kind: "data"}})
	require.Error(t, err)
}
