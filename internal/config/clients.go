package config

import (
	"github.com/cexll/tracksync/internal/github"
	"github.com/cexll/tracksync/internal/jira"
	"github.com/cexll/tracksync/internal/monitor"
	"github.com/cexll/tracksync/internal/signals"
)

// GitHubCredentials prefers a static token over App credentials.
func (c *Config) GitHubCredentials() github.Credentials {
	if c.GitHubToken != "" {
		return github.StaticToken(c.GitHubToken)
	}
	return &github.AppAuth{
		AppID:      c.GitHubAppID,
		PrivateKey: c.GitHubPrivateKey,
		BaseURL:    c.GitHubAPIURL,
	}
}

// NewCodeHost builds the GitHub adapter.
func (c *Config) NewCodeHost() *github.CodeHost {
	return github.NewCodeHost(c.GitHubCredentials(),
		github.WithAPIURL(c.GitHubAPIURL),
		github.WithCallTimeout(c.CallTimeout),
	)
}

// NewTracker builds the Jira adapter. It is a no-op tracker unless
// jira_integration.update_status is set.
func (c *Config) NewTracker() (*jira.Tracker, error) {
	mapping, err := c.StatusMapping()
	if err != nil {
		return nil, err
	}
	return jira.New(jira.Config{
		UpdateStatus:  c.File.Features.JiraIntegration.UpdateStatus,
		URL:           c.JiraURL,
		Username:      c.JiraUsername,
		APIToken:      c.JiraAPIToken,
		StatusMapping: mapping,
		Timeout:       c.CallTimeout,
	})
}

// SignalRules returns the file rules with defaults applied.
func (c *Config) SignalRules() signals.Rules {
	return c.File.Signals.WithDefaults()
}

// MonitorConfig returns the scheduler settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval: c.MonitorInterval,
		Tick:     c.MonitorTick,
		Workers:  c.MonitorWorkers,
	}
}
