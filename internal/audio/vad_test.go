package audio

import (
	"testing"
	"time"
)

func constantFrame(n int, amplitude int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{EnergyThreshold: 500.0, SilenceFrames: 3, FrameSize: 320}
}

func TestVADDetector_SpeechStartsOnFirstVoicedFrame(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	loud := constantFrame(320, 5000)

	for i := 0; i < 4; i++ {
		speaking, started, ended := vad.ProcessFrame(loud)
		if !speaking {
			t.Errorf("Expected speech on frame %d", i)
		}
		if started != (i == 0) {
			t.Errorf("Frame %d: expected started=%v, got %v", i, i == 0, started)
		}
		if ended {
			t.Errorf("Frame %d: unexpected speech end", i)
		}
	}
}

func TestVADDetector_SilenceNeverStarts(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	quiet := constantFrame(320, 10)

	for i := 0; i < 10; i++ {
		if speaking, _, _ := vad.ProcessFrame(quiet); speaking {
			t.Fatalf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_SpeechEndsAfterSilenceFrames(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(constantFrame(320, 5000))

	quiet := constantFrame(320, 10)
	for i := 1; i <= 3; i++ {
		speaking, _, ended := vad.ProcessFrame(quiet)
		if i < 3 && (!speaking || ended) {
			t.Errorf("Silence frame %d: expected hangover, got speaking=%v ended=%v", i, speaking, ended)
		}
		if i == 3 && (speaking || !ended) {
			t.Errorf("Silence frame %d: expected speech end, got speaking=%v ended=%v", i, speaking, ended)
		}
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	medium := constantFrame(320, 1000)

	tests := []struct {
		threshold float64
		want      bool
	}{
		{100, true},
		{999, true},
		{1000, false},
		{5000, false},
	}

	for _, tt := range tests {
		vad := NewVADDetector(&VADConfig{EnergyThreshold: tt.threshold, SilenceFrames: 3, FrameSize: 320})
		if speaking, _, _ := vad.ProcessFrame(medium); speaking != tt.want {
			t.Errorf("Threshold %.0f: expected speaking=%v, got %v", tt.threshold, tt.want, speaking)
		}
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", config.FrameSize)
	}
}

func TestIsVoiced(t *testing.T) {
	if !IsVoiced([]int16{5000, 5000, 5000}, 1000.0) {
		t.Error("Expected high energy samples to be voiced")
	}
	if IsVoiced([]int16{10, 10, 10}, 1000.0) {
		t.Error("Expected low energy samples to be silence")
	}
}

func TestActivityTracker_ReframesPayloads(t *testing.T) {
	tracker := NewActivityTracker(NewVADDetector(testVADConfig()), 4096)

	clock := time.Unix(1000, 0)
	tracker.now = func() time.Time { return clock }
	tracker.lastVoice = clock

	loud := SamplesToBytes(constantFrame(320, 5000))

	// half a frame is not enough to decide
	if voiced, _ := tracker.Feed(loud[:320]); voiced {
		t.Error("Expected no decision on half a frame")
	}

	clock = clock.Add(2 * time.Second)
	if got := tracker.SilentFor(); got != 2*time.Second {
		t.Errorf("Expected 2s of silence, got %v", got)
	}

	// second half completes the frame
	if voiced, _ := tracker.Feed(loud[320:]); !voiced {
		t.Error("Expected voiced frame once complete")
	}
	if got := tracker.SilentFor(); got != 0 {
		t.Errorf("Expected silence clock reset, got %v", got)
	}
}

func TestActivityTracker_SilenceKeepsClockRunning(t *testing.T) {
	tracker := NewActivityTracker(NewVADDetector(testVADConfig()), 4096)

	clock := time.Unix(1000, 0)
	tracker.now = func() time.Time { return clock }
	tracker.lastVoice = clock

	quiet := SamplesToBytes(constantFrame(320*5, 10))
	clock = clock.Add(3 * time.Second)

	voiced, dropped := tracker.Feed(quiet)
	if voiced {
		t.Error("Expected silence")
	}
	if dropped != 0 {
		t.Errorf("Expected nothing dropped, got %d", dropped)
	}
	if got := tracker.SilentFor(); got != 3*time.Second {
		t.Errorf("Expected 3s of silence, got %v", got)
	}
}

func TestActivityTracker_LargePayloadLargerThanBuffer(t *testing.T) {
	tracker := NewActivityTracker(NewVADDetector(testVADConfig()), 1024)

	// 10 frames through a buffer that holds less than two
	loud := SamplesToBytes(constantFrame(320*10, 5000))
	voiced, dropped := tracker.Feed(loud)
	if !voiced {
		t.Error("Expected voiced")
	}
	if dropped != 0 {
		t.Errorf("Expected payload drained frame by frame, dropped %d", dropped)
	}
}
