package models

type FetchStatus string

const (
	FetchOk      FetchStatus = "ok"
	FetchBlocked FetchStatus = "blocked"
	FetchTimeout FetchStatus = "timeout"
	FetchError   FetchStatus = "error"
)

type FetchStrategy string

const (
	StrategyStatic   FetchStrategy = "static"
	StrategyRendered FetchStrategy = "rendered"
)

// Opposite returns the strategy a Blocked response is retried with.
func (s FetchStrategy) Opposite() FetchStrategy {
	if s == StrategyRendered {
		return StrategyStatic
	}
	return StrategyRendered
}

type FetchResult struct {
	URL          string
	Status       FetchStatus
	HTML         *string
	StrategyUsed FetchStrategy
	HTTPStatus   int
	Attempts     int
	Err          error
}

func (r *FetchResult) OK() bool {
	return r.Status == FetchOk && r.HTML != nil
}

func (r *FetchResult) Body() string {
	if r.HTML == nil {
		return ""
	}
	return *r.HTML
}
