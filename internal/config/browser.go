package config

import "time"

// BrowserConfig configures the automated browser session.
type BrowserConfig struct {
	BaseURL           string            `yaml:"base_url"`
	ProfileDir        string            `yaml:"profile_dir"`
	ScreenshotDir     string            `yaml:"screenshot_dir"`
	Bin               string            `yaml:"bin"`
	Headless          bool              `yaml:"headless"`
	UserAgent         string            `yaml:"user_agent"`
	ViewportWidth     int               `yaml:"viewport_width"`
	ViewportHeight    int               `yaml:"viewport_height"`
	Locale            string            `yaml:"locale"`
	NavigationTimeout string            `yaml:"navigation_timeout"`
	ProbeTimeout      string            `yaml:"probe_timeout"`
	SettleDelay       string            `yaml:"settle_delay"`
	Flags             map[string]string `yaml:"flags"`
	BlockingTexts     []string          `yaml:"blocking_texts"`
	Categories        []Category        `yaml:"categories"`
}

// Category is a marketplace category offered to clients. Slug is the path
// segment under /marketplace/category/; an empty slug selects by link text.
type Category struct {
	Name string `yaml:"name" json:"name"`
	Slug string `yaml:"slug" json:"slug,omitempty"`
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		BaseURL:           "https://www.facebook.com/marketplace/",
		ProfileDir:        "profile",
		ScreenshotDir:     "screenshots",
		Headless:          false,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		ViewportWidth:     1366,
		ViewportHeight:    768,
		Locale:            "en-US",
		NavigationTimeout: "60s",
		ProbeTimeout:      "5s",
		SettleDelay:       "2s",
		BlockingTexts: []string{
			"Something went wrong",
			"Try reloading the page",
			"This page isn't available",
		},
		Categories: []Category{
			{Name: "Vehicles", Slug: "vehicles"},
			{Name: "Property Rentals", Slug: "propertyrentals"},
			{Name: "Electronics", Slug: "electronics"},
			{Name: "Furniture", Slug: "furniture"},
			{Name: "Home Goods", Slug: "household"},
			{Name: "Free Stuff", Slug: "free"},
		},
	}
}

// GetNavigationTimeout returns the page navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 60*time.Second)
}

// GetProbeTimeout returns the timeout applied to liveness probes.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Browser.ProbeTimeout, 5*time.Second)
}

// GetSettleDelay returns the pause between closing a session and relaunching.
func (c *Config) GetSettleDelay() time.Duration {
	return parseDuration(c.Browser.SettleDelay, 2*time.Second)
}
