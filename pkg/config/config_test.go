package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 6, cfg.Scheduler.MaxCoursesPerTerm)
	assert.Equal(t, 50.0, cfg.Scheduler.RequestWeight)
	assert.Equal(t, 2.0, cfg.Scheduler.CoreCourseMultiplier)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.SolverTimeLimit)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.ResultCacheTTL)
	assert.False(t, cfg.Scheduler.PrerequisiteHard)
	assert.Equal(t, "./exports", cfg.Exports.StorageDir)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("SCHEDULER_SOLVER_TIME_LIMIT", "45s")
	v.Set("SCHEDULER_PREREQUISITE_HARD", true)
	v.Set("SCHEDULER_TARGET_FILL_RATIO", 0.5)
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := fromViper(v)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.SolverTimeLimit)
	assert.True(t, cfg.Scheduler.PrerequisiteHard)
	assert.Equal(t, 0.5, cfg.Scheduler.TargetFillRatio)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, parseDuration("", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("soon", time.Minute))
	assert.Equal(t, 3*time.Second, parseDuration("3s", time.Minute))
}
