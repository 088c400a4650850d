package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore wraps core with per-level sampling. Each level listed in
// cfg.Levels gets its own sampler; unlisted levels, and Error and above,
// pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{&levelFilterCore{Core: core, keep: func(l zapcore.Level) bool {
		if l >= zapcore.ErrorLevel {
			return true
		}
		_, sampled := cfg.Levels[l]
		return !sampled
	}}}

	for level, rate := range cfg.Levels {
		if level >= zapcore.ErrorLevel {
			continue
		}
		only := &levelFilterCore{Core: core, keep: func(l zapcore.Level) bool { return l == level }}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes only the levels keep accepts.
type levelFilterCore struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.keep(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), keep: c.keep}
}
