package webrtc

import (
	"sync"
	"testing"
	"time"

	"fleetdesk/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type rtcpLog struct {
	mu   sync.Mutex
	pkts []rtcp.Packet
}

func (l *rtcpLog) write(pkts []rtcp.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pkts = append(l.pkts, pkts...)
	return nil
}

func (l *rtcpLog) pliSSRCs() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint32
	for _, p := range l.pkts {
		if pli, ok := p.(*rtcp.PictureLossIndication); ok {
			out = append(out, pli.MediaSSRC)
		}
	}
	return out
}

func TestTrackBinderArrivalOrder(t *testing.T) {
	log := &rtcpLog{}
	b := NewTrackBinder(log.write, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	defer b.Close()

	first, second, third := newFakeTrack("a", 10), newFakeTrack("b", 20), newFakeTrack("c", 30)
	defer close(first.packets)
	defer close(second.packets)
	defer close(third.packets)

	role, ok := b.Bind(first, nil)
	require.True(t, ok)
	assert.Equal(t, domain.RolePrimary, role)

	role, ok = b.Bind(second, nil)
	require.True(t, ok)
	assert.Equal(t, domain.RoleSecondary, role)

	_, ok = b.Bind(third, nil)
	assert.False(t, ok)

	assert.Equal(t, []uint32{10, 20}, log.pliSSRCs())

	tracks := b.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "a", tracks[0].TrackID)
	assert.Equal(t, "screen", tracks[0].Role)
	assert.Equal(t, "b", tracks[1].TrackID)
	assert.Equal(t, "camera", tracks[1].Role)
}

func TestTrackBinderIgnoresAudio(t *testing.T) {
	b := NewTrackBinder(nil, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	defer b.Close()

	audio := newFakeTrack("mic", 5)
	audio.kind = webrtc.RTPCodecTypeAudio
	_, ok := b.Bind(audio, nil)
	assert.False(t, ok)

	video := newFakeTrack("screen", 6)
	defer close(video.packets)
	role, ok := b.Bind(video, nil)
	require.True(t, ok)
	assert.Equal(t, domain.RolePrimary, role)
}

func TestTrackBinderPumpsToSink(t *testing.T) {
	var mu sync.Mutex
	got := map[domain.TrackRole]int{}
	sink := SinkFunc(func(role domain.TrackRole, pkt *rtp.Packet) error {
		mu.Lock()
		defer mu.Unlock()
		got[role]++
		return nil
	})

	b := NewTrackBinder(nil, sink, 0, nil, zaptest.NewLogger(t).Sugar())
	track := newFakeTrack("screen", 1)
	_, ok := b.Bind(track, nil)
	require.True(t, ok)

	track.packets <- &rtp.Packet{Payload: []byte{0x10, 0x00, 0x9d}} // vp8 keyframe
	track.packets <- &rtp.Packet{Payload: []byte{0x10, 0x01, 0x9d}}
	track.packets <- &rtp.Packet{Payload: []byte{0x00, 0x01}}
	close(track.packets)

	b.Close()
	b.Wait()

	mu.Lock()
	assert.Equal(t, 3, got[domain.RolePrimary])
	mu.Unlock()

	info := b.Tracks()[0]
	assert.EqualValues(t, 3, info.Packets)
	assert.EqualValues(t, 8, info.Bytes)
	assert.EqualValues(t, 1, info.Keyframes)
}

func TestTrackBinderPeriodicPLIForPrimary(t *testing.T) {
	log := &rtcpLog{}
	b := NewTrackBinder(log.write, nil, 10*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())

	screen, camera := newFakeTrack("screen", 1), newFakeTrack("camera", 2)
	b.Bind(screen, nil)
	b.Bind(camera, nil)

	require.Eventually(t, func() bool {
		n := 0
		for _, ssrc := range log.pliSSRCs() {
			if ssrc == 1 {
				n++
			}
		}
		return n >= 3
	}, time.Second, 5*time.Millisecond)

	b.Close()
	close(screen.packets)
	close(camera.packets)
	b.Wait()

	cameraPLIs := 0
	for _, ssrc := range log.pliSSRCs() {
		if ssrc == 2 {
			cameraPLIs++
		}
	}
	assert.Equal(t, 1, cameraPLIs)
}

func TestTrackBinderClosedRejects(t *testing.T) {
	b := NewTrackBinder(nil, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	b.Close()
	b.Close()
	_, ok := b.Bind(newFakeTrack("late", 9), nil)
	assert.False(t, ok)
}

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name    string
		mime    string
		payload []byte
		want    bool
	}{
		{"empty", webrtc.MimeTypeVP8, nil, false},
		{"vp8 key", webrtc.MimeTypeVP8, []byte{0x10, 0x00}, true},
		{"vp8 interframe", webrtc.MimeTypeVP8, []byte{0x10, 0x01}, false},
		{"vp8 continuation", webrtc.MimeTypeVP8, []byte{0x00, 0x00}, false},
		{"vp8 extended picture id", webrtc.MimeTypeVP8, []byte{0x90, 0x80, 0x81, 0x02, 0x00}, true},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65, 0x88}, true},
		{"h264 non-idr", webrtc.MimeTypeH264, []byte{0x41, 0x9a}, false},
		{"h264 stap-a with sps", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42}, true},
		{"h264 fu-a idr start", webrtc.MimeTypeH264, []byte{0x7c, 0x85}, true},
		{"h264 fu-a idr middle", webrtc.MimeTypeH264, []byte{0x7c, 0x05}, false},
		{"opus", webrtc.MimeTypeOpus, []byte{0x65}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isKeyframe(tt.mime, tt.payload))
		})
	}
}
