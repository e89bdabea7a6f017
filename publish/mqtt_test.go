package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pointreg/register"
)

// recordingHandler captures requests passed to a RequestHandler.
type recordingHandler struct {
	mock.Mock
}

func (h *recordingHandler) handle(req Request, err error) {
	h.Called(req, err)
}

func isError(err error) bool { return err != nil }

func TestSettings_Defaults(t *testing.T) {
	for _, env := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(env, "")
	}

	got := Settings(register.MQTTConfig{})
	assert.Equal(t, "", got.Broker)
	assert.Equal(t, "pointreg", got.ClientID)
	assert.Equal(t, DefaultPrefix, got.PublishPrefix)
}

func TestSettings_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_CLIENT_ID", "")
	t.Setenv("MQTT_USERNAME", "env-user")
	t.Setenv("MQTT_PASSWORD", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "scans")

	got := Settings(register.MQTTConfig{
		Broker:   "tcp://file:1883",
		ClientID: "from-file",
		Username: "file-user",
		Password: "secret",
	})
	assert.Equal(t, "tcp://broker:1883", got.Broker)
	assert.Equal(t, "from-file", got.ClientID)
	assert.Equal(t, "env-user", got.Username)
	assert.Equal(t, "secret", got.Password)
	assert.Equal(t, "scans", got.PublishPrefix)
}

func TestConnect_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := Connect(context.Background(), register.MQTTConfig{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestClient_IsConnected(t *testing.T) {
	client := &Client{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

func TestConnectWithRetry_SubscribesRequests(t *testing.T) {
	h := &recordingHandler{}
	h.On("handle", Request{Source: "a.ply", Target: "b.ply"}, nil).Once()

	mc := NewMockClient()
	c := newClientWithMock(mc, "lab", h.handle)
	mc.SetOnConnect(c.onConnect)

	require.NoError(t, c.connectWithRetry(context.Background()))
	assert.True(t, c.IsConnected())

	mc.SimulateMessage("lab/requests", []byte(`{"source":"a.ply","target":"b.ply"}`))
	h.AssertExpectations(t)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.False(t, mc.IsConnected())
}

func TestConnectWithRetry_Canceled(t *testing.T) {
	mc := NewMockClient()
	mc.SetConnectError(errors.New("connection refused"))
	c := newClientWithMock(mc, "lab", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.connectWithRetry(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.IsConnected())
}

func TestHandleRequest_PayloadFormats(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
	}{
		{
			name:    "JSON object",
			payload: `{"source":"scan1.xyz","target":"scan2.xyz"}`,
			want:    Request{Source: "scan1.xyz", Target: "scan2.xyz"},
		},
		{
			name:    "JSON with skipGlobal",
			payload: `{"source":"a.pcd","target":"b.pcd","skipGlobal":true}`,
			want:    Request{Source: "a.pcd", Target: "b.pcd", SkipGlobal: true},
		},
		{
			name:    "plain pair",
			payload: "a.xyz  b.xyz\n",
			want:    Request{Source: "a.xyz", Target: "b.xyz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			h.On("handle", tt.want, nil).Once()

			mc := NewMockClient()
			mc.SetConnected(true)
			c := newClientWithMock(mc, "lab", h.handle)
			mc.Subscribe(c.RequestTopic(), 1, c.handleRequest)
			mc.SimulateMessage("lab/requests", []byte(tt.payload))

			h.AssertExpectations(t)
		})
	}
}

func TestHandleRequest_Invalid(t *testing.T) {
	for _, payload := range []string{`not json at all`, `{"source":"only.xyz"}`, ``} {
		h := &recordingHandler{}
		h.On("handle", mock.Anything, mock.MatchedBy(isError)).Once()

		mc := NewMockClient()
		mc.SetConnected(true)
		c := newClientWithMock(mc, "lab", h.handle)
		mc.Subscribe(c.RequestTopic(), 1, c.handleRequest)
		mc.SimulateMessage("lab/requests", []byte(payload))

		h.AssertExpectations(t)
	}
}

func TestOnConnect_SubscribeError(t *testing.T) {
	mc := NewMockClient()
	mc.SetConnected(true)
	mc.SetSubscribeError(errors.New("not authorized"))
	c := newClientWithMock(mc, "lab", func(Request, error) {})

	c.onConnect(mc)
	assert.True(t, c.IsConnected())
}
