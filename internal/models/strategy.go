package models

import "slices"

// Strategy is a trading strategy the user can focus the assistant on.
type Strategy struct {
	ID    string
	Label string
	Icon  string
}

// Strategies is the fixed catalogue offered by the strategy selector.
var Strategies = []Strategy{
	{ID: "trend-following", Label: "Trend Following", Icon: "📈"},
	{ID: "breakout-retest", Label: "Breakout & Retest", Icon: "🔓"},
	{ID: "support-resistance", Label: "Support & Resistance", Icon: "📐"},
	{ID: "supply-demand", Label: "Supply & Demand", Icon: "🏦"},
	{ID: "smart-money", Label: "Smart Money Concepts", Icon: "🧠"},
	{ID: "price-action", Label: "Price Action", Icon: "🕯️"},
	{ID: "indicator-confluence", Label: "Indicator Confluence", Icon: "📊"},
}

// LookupStrategy returns the strategy with the given ID.
func LookupStrategy(id string) (Strategy, bool) {
	idx := slices.IndexFunc(Strategies, func(s Strategy) bool { return s.ID == id })
	if idx == -1 {
		return Strategy{}, false
	}
	return Strategies[idx], true
}

// QuickAction is a canned prompt offered while the conversation holds only the welcome message.
type QuickAction struct {
	Label  string
	Icon   string
	Prompt string
}

// QuickActions are the prompts of a fresh conversation.
var QuickActions = []QuickAction{
	{Label: "Analyze a chart", Icon: "📈", Prompt: "I'd like to analyze a forex chart. What pair should I look at today?"},
	{Label: "Risk management", Icon: "🛡️", Prompt: "Explain the key principles of risk management for forex trading"},
	{Label: "Learn strategies", Icon: "📘", Prompt: "What are the most effective forex trading strategies for beginners?"},
	{Label: "Market overview", Icon: "📊", Prompt: "Give me a current overview of major forex pairs and market conditions"},
}
