package browser

import (
	"regexp"
	"strings"
)

// strategy is one way of locating an intent: a CSS selector, a CSS selector
// whose text must match a JS regex (either bare or in /pattern/flags form), or
// a JS function returning the element. Text placeholders ("%s") are replaced
// with the regex-quoted Target.Text.
type strategy struct {
	CSS       string
	TextRegex string
	JS        string
}

// intentStrategies lists fallbacks per intent, most specific first. The site
// localizes labels, so text strategies carry English and Russian variants.
var intentStrategies = map[Intent][]strategy{
	IntentSearchInput: {
		{CSS: `input[type="search"][placeholder*="Marketplace"]`},
		{CSS: `input[aria-label*="Search Marketplace"]`},
		{CSS: `input[placeholder*="Поиск"]`},
		{CSS: `input[type="search"]`},
	},
	IntentCategoryLink: {
		{CSS: `a[href*="/marketplace/category/"] span`, TextRegex: `^\s*%s\s*$`},
		{CSS: `a[href*="/marketplace/category/"]`, TextRegex: `/%s/i`},
	},
	IntentCheckpointDismiss: {
		{CSS: `div[role="button"][aria-label="Dismiss"]`},
		{CSS: `div[role="button"]`, TextRegex: `^(Dismiss|Закрыть|Continue|Продолжить)$`},
		{CSS: `button`, TextRegex: `^(Dismiss|Continue|OK)$`},
	},
	IntentErrorBanner: {
		{CSS: `div[role="alert"]`},
		{CSS: `div[role="main"] span`, TextRegex: `(Something went wrong|Try reloading|Что-то пошло не так)`},
	},
	IntentPopupClose: {
		{CSS: `div[role="dialog"] div[aria-label="Close"]`},
		{CSS: `div[aria-label="Close"][role="button"]`},
		{CSS: `div[aria-label="Закрыть"][role="button"]`},
	},
	IntentLocationMenu: {
		{CSS: `div[role="button"][aria-label*="location" i]`},
		{CSS: `div[role="button"] span`, TextRegex: `(Within|В пределах|km|км|mi)`},
	},
	IntentLocationInput: {
		{CSS: `div[role="dialog"] input[aria-label="Location"]`},
		{CSS: `div[role="dialog"] input[placeholder*="location" i]`},
		{CSS: `div[role="dialog"] input[type="text"]`},
	},
	IntentLocationSuggestion: {
		{CSS: `ul[role="listbox"] li[role="option"]`, TextRegex: `/%s/i`},
		{CSS: `ul[role="listbox"] li[role="option"]`},
	},
	IntentRadiusMenu: {
		{CSS: `div[role="dialog"] label[aria-label="Radius"]`},
		{CSS: `div[role="dialog"] div[role="combobox"]`},
	},
	IntentRadiusOption: {
		{CSS: `div[role="option"] span`, TextRegex: `^\s*%s\s*(kilometres|kilometers|km|км|miles|mi)`},
	},
	IntentApplyButton: {
		{CSS: `div[role="dialog"] div[aria-label="Apply"][role="button"]`},
		{CSS: `div[role="dialog"] div[role="button"]`, TextRegex: `^(Apply|Применить)$`},
	},
	IntentMinPriceInput: {
		{CSS: `input[aria-label="Minimum Range"]`},
		{CSS: `input[placeholder="Min"]`},
		{CSS: `input[placeholder="Мин."]`},
	},
	IntentMaxPriceInput: {
		{CSS: `input[aria-label="Maximum Range"]`},
		{CSS: `input[placeholder="Max"]`},
		{CSS: `input[placeholder="Макс."]`},
	},
	IntentSortMenu: {
		{CSS: `div[role="button"] span`, TextRegex: `^(Sort by|Сортировать по)`},
	},
	IntentSortNewest: {
		{CSS: `div[role="radio"] span, div[role="menuitemradio"] span`, TextRegex: `(Date listed: Newest first|Сначала новые)`},
	},
	IntentDateListedMenu: {
		{CSS: `div[role="button"] span`, TextRegex: `^(Date listed|Дата размещения)`},
	},
	IntentDateLast24h: {
		{CSS: `div[role="radio"] span, div[role="menuitemradio"] span`, TextRegex: `(Last 24 hours|За последние 24 часа)`},
	},
	IntentListingAge: {
		{CSS: `abbr[aria-label]`},
		{CSS: `span`, TextRegex: `/(listed|размещено).*(ago|назад)/i`},
		{JS: `() => [...document.querySelectorAll('span')].find(s => /\b(\d+|a|an)\s+(minute|hour|day|week)s?\s+ago\b/i.test(s.textContent)) || null`},
	},
	IntentLoggedInMarker: {
		{CSS: `div[aria-label="Your profile"]`},
		{CSS: `div[role="navigation"] svg[aria-label="Your profile"]`},
		{CSS: `a[href*="/me/"]`},
	},
}

func (s strategy) textRegex(text string) string {
	if !strings.Contains(s.TextRegex, "%s") {
		return s.TextRegex
	}
	return strings.ReplaceAll(s.TextRegex, "%s", regexp.QuoteMeta(text))
}

// strategiesFor returns the strategies usable for target. Strategies that need
// target text are skipped when none was given.
func strategiesFor(target Target) []strategy {
	all := intentStrategies[target.Intent]
	out := make([]strategy, 0, len(all))
	for _, s := range all {
		if strings.Contains(s.TextRegex, "%s") && target.Text == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
