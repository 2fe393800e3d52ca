package frontend

// Detector decides whether a processed chunk contains the wake phrase. The
// default implementation is a deliberately simple energy-onset heuristic;
// it exists so the front-end's worker, queueing, and gating logic (the
// scope of this package) can be built and tested independently of any
// specific keyword-spotting model. A real wake model, selected by
// Config.WakeModelID, would satisfy this same interface.
type Detector interface {
	// Detect reports whether pcm (already AEC/AGC/gate processed) triggers
	// the wake phrase, and if so which wake phrase index fired (models may
	// support more than one trigger phrase).
	Detect(pcm []float32, rms float32) (triggered bool, wakeIndex int)
}

// energyWakeDetector fires when the signal RMS rises sharply above a
// rolling noise-floor estimate and stays there for a short onset window,
// then enforces a cooldown so a single utterance cannot re-trigger.
type energyWakeDetector struct {
	floor      float32
	onsetRatio float32
	onsetRun   int // consecutive chunks above threshold so far
	onsetNeed  int // chunks required to confirm an onset
	cooldown   int // chunks remaining before another trigger is allowed
}

func newEnergyWakeDetector(sampleRate, chunkSamples int) *energyWakeDetector {
	chunkMs := chunkSamples * 1000 / max(sampleRate, 1)
	return &energyWakeDetector{
		floor:      0.01,
		onsetRatio: 3.0,
		onsetNeed:  max(120/max(chunkMs, 1), 1), // ~120 ms of sustained onset
		cooldown:   0,
	}
}

func (d *energyWakeDetector) Detect(_ []float32, rms float32) (bool, int) {
	// Track a slow noise floor so the trigger threshold adapts to ambient
	// conditions rather than a single fixed RMS value.
	if rms < d.floor {
		d.floor += 0.02 * (rms - d.floor)
	} else {
		d.floor += 0.002 * (rms - d.floor)
	}
	if d.floor < 1e-4 {
		d.floor = 1e-4
	}

	if d.cooldown > 0 {
		d.cooldown--
		return false, 0
	}

	if rms > d.floor*d.onsetRatio {
		d.onsetRun++
	} else {
		d.onsetRun = 0
	}

	if d.onsetRun >= d.onsetNeed {
		d.onsetRun = 0
		d.cooldown = d.onsetNeed * 8
		return true, 0
	}
	return false, 0
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
