package promquery

import (
	"fmt"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/common/model"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

// MetricName is the cumulative energy counter, in kWh.
const MetricName = "energy"

const maxTargetLength = 1024

// targetAllowed keeps the target inside the double-quoted label matcher:
// no quotes, backslashes, braces or whitespace can get through.
var targetAllowed = regexp.MustCompile(`^[A-Za-z0-9.\-|^$_:*+?()\[\]]+$`)

// ValidateTarget checks that target is safe to embed in an instance=~"..."
// matcher and is a valid RE2 expression.
func ValidateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: target must not be empty", models.ErrInvalidParameter)
	}
	if len(target) > maxTargetLength {
		return fmt.Errorf("%w: target exceeds %d characters", models.ErrInvalidParameter, maxTargetLength)
	}
	if !targetAllowed.MatchString(target) {
		return fmt.Errorf("%w: target %q contains characters outside [A-Za-z0-9.-|^$_:*+?()[]]", models.ErrInvalidParameter, target)
	}
	// Prometheus anchors label regexes the same way.
	if _, err := regexp.Compile("^(?:" + target + ")$"); err != nil {
		return fmt.Errorf("%w: target is not a valid regex: %v", models.ErrInvalidParameter, err)
	}
	return nil
}

// BuildExpr returns the PromQL expression for target evaluated over lookback.
func BuildExpr(target string, lookback time.Duration) (string, error) {
	if err := ValidateTarget(target); err != nil {
		return "", err
	}
	return fmt.Sprintf(`last_over_time(%s{%s=~"%s"}[%s])`,
		MetricName, models.LabelInstance, target, model.Duration(lookback)), nil
}

// selectorCache memoizes BuildExpr. Dashboards poll with the same handful
// of targets, so validation and regex compilation are done once per target.
type selectorCache struct {
	lookback time.Duration
	cache    *lru.Cache
}

func newSelectorCache(lookback time.Duration, size int) (*selectorCache, error) {
	sc := &selectorCache{lookback: lookback}
	if size <= 0 {
		return sc, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	sc.cache = c
	return sc, nil
}

// Expr returns the expression for target, building it on a cache miss.
// Rejected targets are not cached.
func (sc *selectorCache) Expr(target string) (string, error) {
	if sc.cache != nil {
		if expr, ok := sc.cache.Get(target); ok {
			return expr.(string), nil
		}
	}

	expr, err := BuildExpr(target, sc.lookback)
	if err != nil {
		return "", err
	}

	if sc.cache != nil {
		sc.cache.Add(target, expr)
	}
	return expr, nil
}
