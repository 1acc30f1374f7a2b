package kms_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/display/kms"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/drm/drmtest"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// Two heads: connector 30 on crtc 40 (pipe 0), connector 31 on crtc 41
// (pipe 1). Plane 60 only drives pipe 0, plane 61 only pipe 1.
func newCard() *drmtest.Card {
	return drmtest.NewCard("test").
		AddCRTC(40).
		AddCRTC(41).
		AddEncoder(50, 40, 0b01).
		AddEncoder(51, 41, 0b10).
		AddConnector(30, 50, []uint32{50}, drmtest.Mode("1280x720", 1280, 720)).
		AddConnector(31, 51, []uint32{51}, drmtest.Mode("1920x1080", 1920, 1080)).
		AddPlane(60, 0b01).
		AddPlane(61, 0b10)
}

func newContext(card *drmtest.Card) *display.Context {
	return display.NewContext("/dev/dri/card0", func(string) (drm.Device, error) {
		return card, nil
	}, display.WithSessionID("test"))
}

func options(outputs ...string) kms.Options {
	opts := kms.Options{Multiplanar: true, FlipTimeout: time.Second, Background: "#102030"}
	for _, o := range outputs {
		spec, err := drm.ParseOutputSpec(o)
		if err != nil {
			panic(err)
		}
		opts.Outputs = append(opts.Outputs, spec)
	}
	return opts
}

func TestOpenSetsModesSideBySide(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720", "31:1920x1080"))
	require.NoError(t, err)
	defer b.Close()

	w, h := b.Size()
	assert.Equal(t, uint32(3200), w)
	assert.Equal(t, uint32(1080), h)

	crtcs := card.Crtcs()
	require.Len(t, crtcs, 2)
	assert.Equal(t, drmtest.Crtc{CRTC: 40, FB: crtcs[0].FB, X: 0, Connectors: []uint32{30}, Mode: "1280x720"}, crtcs[0])
	assert.Equal(t, drmtest.Crtc{CRTC: 41, FB: crtcs[0].FB, X: 1280, Connectors: []uint32{31}, Mode: "1920x1080"}, crtcs[1])
	assert.Empty(t, card.Flips())
}

func TestOpenSkipsUnresolvedOutputs(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720", "31:640x480"))
	require.NoError(t, err)
	defer b.Close()

	w, _ := b.Size()
	assert.Equal(t, uint32(1280), w)
	assert.Len(t, card.Crtcs(), 1)
}

func TestOpenFailsWithoutOutputs(t *testing.T) {
	card := newCard()
	_, err := kms.Open(newContext(card), options("99:1280x720"))
	assert.ErrorIs(t, err, kms.ErrNoOutput)
	assert.True(t, card.Closed())
}

func TestOpenerDeclines(t *testing.T) {
	ctx := newContext(newCard())
	_, err := kms.NewOpener("").Open(ctx, args.New(nil))
	assert.ErrorIs(t, err, display.ErrDecline)
	assert.Zero(t, ctx.Owners())
}

func TestPostBufferFlipsAfterModeSet(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720", "31:1920x1080"))
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireBuffers(2)
	require.NoError(t, err)

	require.NoError(t, b.PostBuffer(bufs[0]))
	require.NoError(t, b.PostBuffer(bufs[1]))

	flips := card.Flips()
	require.Len(t, flips, 4)
	assert.Equal(t, uint32(40), flips[0].CRTC)
	assert.Equal(t, uint32(41), flips[1].CRTC)
	assert.NotEqual(t, flips[0].FB, flips[2].FB)
	assert.Len(t, card.Crtcs(), 2, "mode is set only once")
}

func TestPostBufferFlipTimeout(t *testing.T) {
	card := newCard()
	card.SwallowFlips = true
	opts := options("30:1280x720")
	opts.FlipTimeout = 20 * time.Millisecond
	b, err := kms.Open(newContext(card), opts)
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireBuffers(1)
	require.NoError(t, err)

	start := time.Now()
	err = b.PostBuffer(bufs[0])
	assert.ErrorIs(t, err, drm.ErrFlipTimeout)
	assert.ErrorIs(t, err, display.ErrPresentFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPostBufferUnknownBuffer(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720"))
	require.NoError(t, err)
	defer b.Close()

	other, err := kms.Open(newContext(newCard()), options("30:1280x720"))
	require.NoError(t, err)
	defer other.Close()
	foreign, err := other.AcquireBuffers(1)
	require.NoError(t, err)

	assert.Error(t, b.PostBuffer(foreign[0]))
}

func TestPostVideoBufferGeometry(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720"))
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireVideoBuffers(2, fourcc.NV12, 720, 480)
	require.NoError(t, err)
	region := display.Rect{X: 10, Y: 20, W: 100, H: 50}

	require.NoError(t, b.PostVideoBuffer(bufs[0], region))
	bufs[1].NoScale = true
	require.NoError(t, b.PostVideoBuffer(bufs[1], region))

	sets := card.PlaneSets()
	require.Len(t, sets, 2)
	assert.Equal(t, uint32(60), sets[0].Plane)
	assert.Equal(t, uint32(40), sets[0].CRTC)
	assert.Equal(t, [4]uint32{0, 0, 1280, 720}, [4]uint32{uint32(sets[0].CrtcX), uint32(sets[0].CrtcY), sets[0].CrtcW, sets[0].CrtcH})
	assert.Equal(t, [4]uint32{10 << 16, 20 << 16, 100 << 16, 50 << 16}, [4]uint32{sets[0].SrcX, sets[0].SrcY, sets[0].SrcW, sets[0].SrcH})

	assert.Equal(t, uint32(60), sets[1].Plane, "plane assignment is stable")
	assert.Equal(t, [4]uint32{10, 20, 720, 480}, [4]uint32{uint32(sets[1].CrtcX), uint32(sets[1].CrtcY), sets[1].CrtcW, sets[1].CrtcH})
	assert.Equal(t, [4]uint32{0, 0, 100 << 16, 50 << 16}, [4]uint32{sets[1].SrcX, sets[1].SrcY, sets[1].SrcW, sets[1].SrcH})

	fbs := card.Framebuffers()
	fb := fbs[sets[0].FB]
	assert.Equal(t, uint32(fourcc.NV12), fb.Format)
	assert.NotZero(t, fb.Handles[0])
	assert.NotZero(t, fb.Handles[1])
}

func TestPostVideoBufferSetsZOrder(t *testing.T) {
	card := newCard()
	prop := card.AddProperty(60, "zorder")
	b, err := kms.Open(newContext(card), options("30:1280x720"))
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireVideoBuffers(1, fourcc.YUYV, 720, 480)
	require.NoError(t, err)
	require.NoError(t, b.PostVideoBuffer(bufs[0], display.Rect{W: 720, H: 480}))
	require.NoError(t, b.PostVideoBuffer(bufs[0], display.Rect{W: 720, H: 480}))

	assert.Equal(t, []drmtest.PropertySet{{Obj: 60, Type: drm.ObjectPlane, Prop: prop, Value: 3}}, card.PropertySets())
}

func TestPostVideoBufferPlaneShortage(t *testing.T) {
	// Only one plane, usable on pipe 0: the second output has none.
	card := drmtest.NewCard("test").
		AddCRTC(40).
		AddCRTC(41).
		AddEncoder(50, 40, 0b01).
		AddEncoder(51, 41, 0b10).
		AddConnector(30, 50, []uint32{50}, drmtest.Mode("1280x720", 1280, 720)).
		AddConnector(31, 51, []uint32{51}, drmtest.Mode("1280x720", 1280, 720)).
		AddPlane(60, 0b11)
	b, err := kms.Open(newContext(card), options("30:1280x720", "31:1280x720"))
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireVideoBuffers(1, fourcc.YUYV, 720, 480)
	require.NoError(t, err)

	err = b.PostVideoBuffer(bufs[0], display.Rect{W: 720, H: 480})
	assert.ErrorIs(t, err, display.ErrPresentFailed)

	sets := card.PlaneSets()
	require.Len(t, sets, 1, "the output that has a plane is still served")
	assert.Equal(t, uint32(40), sets[0].CRTC)
}

func TestPlanesClaimedAcrossBackends(t *testing.T) {
	card := newCard()
	ctx := newContext(card)

	first, err := kms.Open(ctx, options("30:1280x720"))
	require.NoError(t, err)
	defer first.Close()
	second, err := kms.Open(ctx, options("30:1280x720"))
	require.NoError(t, err)
	defer second.Close()

	a, err := first.AcquireVideoBuffers(1, fourcc.YUYV, 64, 64)
	require.NoError(t, err)
	b, err := second.AcquireVideoBuffers(1, fourcc.YUYV, 64, 64)
	require.NoError(t, err)

	require.NoError(t, first.PostVideoBuffer(a[0], display.Rect{W: 64, H: 64}))
	assert.ErrorIs(t, second.PostVideoBuffer(b[0], display.Rect{W: 64, H: 64}), display.ErrPresentFailed)
	assert.Equal(t, 2, ctx.Owners())
}

func TestDropMasterOnce(t *testing.T) {
	card := newCard()
	opts := options("30:1280x720")
	opts.NoMaster = true
	b, err := kms.Open(newContext(card), opts)
	require.NoError(t, err)
	defer b.Close()

	bufs, err := b.AcquireVideoBuffers(1, fourcc.YUYV, 64, 64)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PostVideoBuffer(bufs[0], display.Rect{W: 64, H: 64}))
	}
	assert.Equal(t, 1, card.DropMasterCalls())
}

func TestCloseReleasesEverything(t *testing.T) {
	card := newCard()
	b, err := kms.Open(newContext(card), options("30:1280x720"))
	require.NoError(t, err)

	_, err = b.AcquireVideoBuffers(3, fourcc.NV12, 720, 480)
	require.NoError(t, err)
	assert.NotZero(t, card.LiveHandles())

	require.NoError(t, b.Close())
	assert.Zero(t, card.LiveHandles())
	assert.Empty(t, card.Framebuffers())
	assert.True(t, card.Closed())
}
