package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfuclient/internal/app"
	"github.com/dkeye/sfuclient/internal/app/orch"
	"github.com/dkeye/sfuclient/internal/config"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return "s" }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeController struct {
	err       error
	published orch.PublishOptions
	subUID    domain.UserID
	subPubs   []domain.Publisher
}

func (f *fakeController) Snapshot() orch.Snapshot {
	return orch.Snapshot{State: domain.SessionJoined.String(), Room: "r1", UID: "me"}
}

func (f *fakeController) OpenCamera(context.Context) error { return f.err }

func (f *fakeController) PublishCamera(_ context.Context, opts orch.PublishOptions) error {
	f.published = opts
	return f.err
}

func (f *fakeController) UnpublishCamera(context.Context, orch.UnpublishOptions) error { return f.err }

func (f *fakeController) Subscribe(_ context.Context, uid domain.UserID, _ domain.PcID, pubs []domain.Publisher) (*app.MediaStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subUID, f.subPubs = uid, pubs
	s := app.NewMediaStream(string(uid))
	s.AddTrack(fakeTrack{id: "t-audio", kind: webrtc.RTPCodecTypeAudio})
	return s, nil
}

func (f *fakeController) UnSubscribe(context.Context, domain.UserID, []domain.Publisher) error {
	return f.err
}

func newTestRouter(ctrl Controller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&config.Config{Mode: "test"}, ctrl)
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStateEndpoint(t *testing.T) {
	w := do(newTestRouter(&fakeController{}), http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap orch.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "joined", snap.State)
	assert.Equal(t, domain.RoomID("r1"), snap.Room)
}

func TestPublishBindsBody(t *testing.T) {
	ctrl := &fakeController{}
	w := do(newTestRouter(ctrl), http.MethodPost, "/api/camera/publish", `{"video":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.published.Video)
	assert.False(t, ctrl.published.Audio)
}

func TestSubscribeReturnsTrackIDs(t *testing.T) {
	ctrl := &fakeController{}
	body := `{"remoteUid":"bob","remotePcId":"pc9","publishers":[{"uid":"bob","type":"audio"}]}`
	w := do(newTestRouter(ctrl), http.MethodPost, "/api/subscribe", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stream string   `json:"stream"`
		Tracks []string `json:"tracks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bob", resp.Stream)
	assert.Equal(t, []string{"t-audio"}, resp.Tracks)
	assert.Equal(t, domain.UserID("bob"), ctrl.subUID)
	require.Len(t, ctrl.subPubs, 1)
	assert.Equal(t, domain.MediaAudio, ctrl.subPubs[0].Kind)
}

func TestBadBody(t *testing.T) {
	r := newTestRouter(&fakeController{})
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/subscribe", `{"publishers":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/camera/publish", `not json`).Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{core.ErrNotJoined, http.StatusConflict},
		{core.ErrUnknownUser, http.StatusNotFound},
		{&core.RejectError{Method: "publish", Code: 500, Reason: "boom"}, http.StatusBadGateway},
		{core.ErrTransportClosed, http.StatusServiceUnavailable},
		{core.ErrTrackTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := do(newTestRouter(&fakeController{err: tt.err}), http.MethodPost, "/api/camera/open", "")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(newTestRouter(&fakeController{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
