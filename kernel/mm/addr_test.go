package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint32(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if exp, got := PhysAddr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame %d call to Address() to return %x; got %x", frameIndex, exp, got)
		}
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    PhysAddr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   VirtAddr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{0xffc01234, Page(0xffc01)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPageOffset(t *testing.T) {
	if exp, got := uint32(0x123), PageOffset(0x80001123); got != exp {
		t.Errorf("expected page offset to be %x; got %x", exp, got)
	}
}

func TestRoundUpToPage(t *testing.T) {
	specs := []struct {
		input, exp uint32
	}{
		{0, 0},
		{1, PageSize},
		{PageSize, PageSize},
		{PageSize + 1, 2 * PageSize},
	}

	for specIndex, spec := range specs {
		if got := RoundUpToPage(spec.input); got != spec.exp {
			t.Errorf("[spec %d] expected rounded size to be %d; got %d", specIndex, spec.exp, got)
		}
	}
}
