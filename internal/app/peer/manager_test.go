package peer

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfuclient/internal/adapters/sdp"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/core/coretest"
	"github.com/dkeye/sfuclient/internal/domain"
)

func newManager(t *testing.T, dir domain.Direction) (*Manager, *coretest.Peer) {
	t.Helper()
	f := &coretest.Factory{}
	m, err := New(f, sdp.NewParser(), dir)
	require.NoError(t, err)
	return m, f.Last()
}

func publishedSend(t *testing.T, lines ...core.MediaLine) (*Manager, *coretest.Peer) {
	t.Helper()
	m, pc := newManager(t, domain.DirectionSend)
	_, err := m.CreateSendOffer(context.Background(), []webrtc.TrackLocal{nil})
	require.NoError(t, err)
	require.NoError(t, m.SetID("pc1"))
	require.NoError(t, m.ApplyAnswer(coretest.AnswerSDP(lines...)))
	return m, pc
}

var (
	bobAudio = domain.Publisher{UID: "bob", PcID: "pcb", Mid: "0", Kind: domain.MediaAudio}
	bobVideo = domain.Publisher{UID: "bob", PcID: "pcb", Mid: "1", Kind: domain.MediaVideo}
)

func TestSendLifecycle(t *testing.T) {
	m, pc := newManager(t, domain.DirectionSend)
	assert.Equal(t, StateCreated, m.State())
	assert.NotEmpty(t, m.Handle())

	offer, err := m.CreateSendOffer(context.Background(), []webrtc.TrackLocal{nil, nil})
	require.NoError(t, err)
	assert.Equal(t, "offer-send", offer)
	assert.Equal(t, 2, pc.SendTracks())
	assert.Equal(t, StateOfferGenerated, m.State())

	require.NoError(t, m.ApplyAnswer(coretest.AnswerSDP(
		core.MediaLine{Type: "video", Mid: "0"},
		core.MediaLine{Type: "audio", Mid: "1"},
	)))
	assert.Equal(t, StateAnswerApplied, m.State())

	mid, ok := m.MediaLine(domain.MediaVideo)
	require.True(t, ok)
	assert.Equal(t, "0", mid)
	mid, ok = m.MediaLine(domain.MediaAudio)
	require.True(t, ok)
	assert.Equal(t, "1", mid)
	assert.Equal(t, 2, m.MediaLineCount())

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.True(t, pc.Closed())
	assert.NoError(t, m.Close())
}

func TestOutOfOrderTransitions(t *testing.T) {
	m, _ := newManager(t, domain.DirectionSend)
	err := m.ApplyAnswer(coretest.AnswerSDP(core.MediaLine{Type: "audio", Mid: "0"}))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, core.ErrNegotiation)

	_, err = m.CreateSendOffer(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.CreateSendOffer(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.Close())
	_, err = m.CreateSendOffer(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWrongDirection(t *testing.T) {
	send, _ := newManager(t, domain.DirectionSend)
	assert.ErrorIs(t, send.AttachPublishers([]domain.Publisher{bobAudio}), ErrWrongDirection)

	recv, _ := newManager(t, domain.DirectionRecv)
	_, err := recv.CreateSendOffer(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWrongDirection)
}

func TestUnknownMediaKindRejectsAnswer(t *testing.T) {
	m, _ := newManager(t, domain.DirectionSend)
	_, err := m.CreateSendOffer(context.Background(), nil)
	require.NoError(t, err)

	err = m.ApplyAnswer(coretest.AnswerSDP(
		core.MediaLine{Type: "audio", Mid: "0"},
		core.MediaLine{Type: "application", Mid: "1"},
	))
	assert.ErrorIs(t, err, core.ErrUnknownMediaKind)
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.Equal(t, StateOfferGenerated, m.State())
	assert.Equal(t, 0, m.MediaLineCount())
}

func TestDuplicateKindRejectsAnswer(t *testing.T) {
	m, _ := newManager(t, domain.DirectionSend)
	_, err := m.CreateSendOffer(context.Background(), nil)
	require.NoError(t, err)
	err = m.ApplyAnswer(coretest.AnswerSDP(
		core.MediaLine{Type: "audio", Mid: "0"},
		core.MediaLine{Type: "audio", Mid: "1"},
	))
	assert.ErrorIs(t, err, ErrDuplicateKind)
}

func TestSetRemoteFailureIsNegotiationError(t *testing.T) {
	m, pc := newManager(t, domain.DirectionSend)
	pc.AnswerErr = errors.New("bad dtls fingerprint")
	_, err := m.CreateSendOffer(context.Background(), nil)
	require.NoError(t, err)
	err = m.ApplyAnswer(coretest.AnswerSDP(core.MediaLine{Type: "audio", Mid: "0"}))
	assert.ErrorIs(t, err, core.ErrNegotiation)
}

func TestIDIsSetOnce(t *testing.T) {
	m, _ := newManager(t, domain.DirectionSend)
	assert.ErrorIs(t, m.SetID(""), core.ErrMissingPcID)
	require.NoError(t, m.SetID("pc1"))
	assert.NoError(t, m.SetID("pc1"))
	err := m.SetID("pc2")
	assert.ErrorIs(t, err, ErrIDAssigned)
	assert.Equal(t, domain.PcID("pc1"), m.ID())
}

func TestRemoveMediaLinesKeepsOthers(t *testing.T) {
	m, pc := publishedSend(t,
		core.MediaLine{Type: "video", Mid: "0"},
		core.MediaLine{Type: "audio", Mid: "1"},
	)

	require.NoError(t, m.RemoveMediaLines([]string{"0"}))
	assert.Equal(t, [][]string{{"0"}}, pc.Removed())
	_, ok := m.MediaLine(domain.MediaVideo)
	assert.False(t, ok)
	mid, ok := m.MediaLine(domain.MediaAudio)
	require.True(t, ok)
	assert.Equal(t, "1", mid)
	assert.Equal(t, StateAnswerApplied, m.State())
	assert.False(t, pc.Closed())
}

func TestRemoveMediaLinesRequiresAnswer(t *testing.T) {
	m, _ := newManager(t, domain.DirectionSend)
	assert.ErrorIs(t, m.RemoveMediaLines([]string{"0"}), ErrInvalidTransition)
}

func TestSubscribeAnswerMapsPublishersByPosition(t *testing.T) {
	m, pc := newManager(t, domain.DirectionRecv)
	require.NoError(t, m.AttachPublishers([]domain.Publisher{bobAudio, bobVideo, bobAudio}))
	assert.Len(t, m.Publishers(), 2)

	_, err := m.CreateSubscribeOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Publisher{bobAudio, bobVideo}, pc.Subscribed())

	require.NoError(t, m.ApplySubscribeAnswer(coretest.AnswerSDP(
		core.MediaLine{Type: "audio", Mid: "a0"},
		core.MediaLine{Type: "video", Mid: "v1"},
	)))
	assert.Equal(t, 2, m.MediaLineCount())
	assert.True(t, m.Carries([]domain.Publisher{bobVideo}))
	assert.False(t, m.Carries(nil))

	at := coretest.NewTrack("ta", domain.MediaAudio)
	vt := coretest.NewTrack("tv", domain.MediaVideo)
	m.RecordTrack(core.TrackEvent{Track: at, Mid: "a0"})
	m.RecordTrack(core.TrackEvent{Track: vt, Mid: "v1"})
	assert.Len(t, m.Tracks(), 2)

	mids, tracks := m.DetachPublishers([]domain.Publisher{bobVideo})
	assert.Equal(t, []string{"v1"}, mids)
	require.Len(t, tracks, 1)
	assert.Equal(t, "tv", tracks[0].ID())
	assert.Equal(t, []domain.Publisher{bobAudio}, m.Publishers())
	assert.Len(t, m.Tracks(), 1)
}

func TestPublisherQueriesDoNotMutate(t *testing.T) {
	m, _ := newManager(t, domain.DirectionRecv)
	require.NoError(t, m.AttachPublishers([]domain.Publisher{bobAudio, bobVideo}))
	_, err := m.CreateSubscribeOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ApplySubscribeAnswer(coretest.AnswerSDP(
		core.MediaLine{Type: "audio", Mid: "a0"},
		core.MediaLine{Type: "video", Mid: "v1"},
	)))

	eve := domain.Publisher{UID: "eve", PcID: "pce", Mid: "0", Kind: domain.MediaAudio}
	assert.True(t, m.CarriesAny([]domain.Publisher{eve, bobVideo}))
	assert.False(t, m.CarriesAny([]domain.Publisher{eve}))
	assert.Equal(t, []string{"v1"}, m.MidsFor([]domain.Publisher{bobVideo, eve}))
	assert.Equal(t, 1, m.Remaining([]domain.Publisher{bobVideo}))
	assert.Equal(t, 0, m.Remaining([]domain.Publisher{bobAudio, bobVideo}))
	assert.Equal(t, 2, m.Remaining(nil))
	assert.Equal(t, []domain.Publisher{bobAudio, bobVideo}, m.Publishers())
}

func TestSubscribeAnswerValidation(t *testing.T) {
	tests := []struct {
		name  string
		lines []core.MediaLine
		want  error
	}{
		{"too few lines", []core.MediaLine{{Type: "audio", Mid: "0"}}, core.ErrMediaLineCount},
		{"kind mismatch", []core.MediaLine{{Type: "video", Mid: "0"}, {Type: "audio", Mid: "1"}}, ErrKindMismatch},
		{"unknown kind", []core.MediaLine{{Type: "audio", Mid: "0"}, {Type: "application", Mid: "1"}}, core.ErrUnknownMediaKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t, domain.DirectionRecv)
			require.NoError(t, m.AttachPublishers([]domain.Publisher{bobAudio, bobVideo}))
			_, err := m.CreateSubscribeOffer(context.Background())
			require.NoError(t, err)
			err = m.ApplySubscribeAnswer(coretest.AnswerSDP(tt.lines...))
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, core.ErrProtocol)
		})
	}
}

func TestAttachRejectsUnknownKind(t *testing.T) {
	m, _ := newManager(t, domain.DirectionRecv)
	err := m.AttachPublishers([]domain.Publisher{{UID: "bob", Kind: "data"}})
	assert.ErrorIs(t, err, core.ErrUnknownMediaKind)
}

func TestSubscribeOfferNeedsPublishers(t *testing.T) {
	m, _ := newManager(t, domain.DirectionRecv)
	_, err := m.CreateSubscribeOffer(context.Background())
	assert.ErrorIs(t, err, core.ErrEmptyPublishers)
}

func TestFactoryFailure(t *testing.T) {
	_, err := New(&coretest.Factory{Err: errors.New("no ice")}, sdp.NewParser(), domain.DirectionSend)
	assert.ErrorIs(t, err, core.ErrNegotiation)
}

func TestInfo(t *testing.T) {
	m, _ := publishedSend(t, core.MediaLine{Type: "audio", Mid: "0"})
	m.SetPurpose(domain.PurposeCamera)
	info := m.Info()
	assert.Equal(t, domain.PcID("pc1"), info.ID)
	assert.Equal(t, domain.PurposeCamera, info.Purpose)
	assert.Equal(t, "answer_applied", info.State)
	assert.Equal(t, map[domain.MediaKind]string{domain.MediaAudio: "0"}, info.MediaLines)
}
