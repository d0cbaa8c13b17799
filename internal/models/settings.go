package models

// Setting keys stored in app_settings
const (
	SettingCacheEnabled     = "cache_enabled"
	SettingPrefetchEnabled  = "prefetch_enabled"
	SettingCacheTTLMinutes  = "cache_ttl_minutes"
	SettingSearchTTLMinutes = "search_ttl_minutes"
	SettingPageSize         = "page_size"
	SettingDebounceMS       = "debounce_ms"
)

// SettingKeys lists every recognized setting
var SettingKeys = []string{
	SettingCacheEnabled,
	SettingPrefetchEnabled,
	SettingCacheTTLMinutes,
	SettingSearchTTLMinutes,
	SettingPageSize,
	SettingDebounceMS,
}

// Settings are the runtime operating parameters of the acceleration layer
type Settings struct {
	CacheEnabled     bool `json:"cache_enabled"`
	PrefetchEnabled  bool `json:"prefetch_enabled"`
	CacheTTLMinutes  int  `json:"cache_ttl_minutes"`
	SearchTTLMinutes int  `json:"search_ttl_minutes"`
	PageSize         int  `json:"page_size"`
	DebounceMS       int  `json:"debounce_ms"`
}
