package bing

// ExtractSuggestions returns the follow-up suggestion texts attached to a
// reply, in order.
func ExtractSuggestions(msg *BotMessage) []string {
	if msg == nil {
		return nil
	}
	var suggestions []string
	for _, s := range msg.SuggestedResponses {
		if s.Text != "" {
			suggestions = append(suggestions, s.Text)
		}
	}
	return suggestions
}

// SearchResult is one cited web source.
type SearchResult struct {
	Title string
	URL   string
	Query string
}

// OtherQuery groups the cited sources that carry no search query.
const OtherQuery = "Other"

// ExtractSearchResults returns the web sources a reply cites, grouped by
// the search query that produced them. Sources without a query collect
// under OtherQuery.
func ExtractSearchResults(msg *BotMessage) map[string][]SearchResult {
	if msg == nil {
		return nil
	}
	var results map[string][]SearchResult
	for _, attribution := range msg.SourceAttributions {
		if attribution.SeeMoreURL == "" && attribution.ProviderDisplayName == "" {
			continue
		}
		query := attribution.SearchQuery
		if query == "" {
			query = OtherQuery
		}
		if results == nil {
			results = map[string][]SearchResult{}
		}
		results[query] = append(results[query], SearchResult{
			Title: attribution.ProviderDisplayName,
			URL:   attribution.SeeMoreURL,
			Query: attribution.SearchQuery,
		})
	}
	return results
}
