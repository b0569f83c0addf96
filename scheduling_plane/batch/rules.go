package batch

import (
	"time"

	"github.com/apexfab/planforge/scheduling_plane/store"
)

// defaultMinGroupSize applies when a rule does not set one. A group of one is
// not a merge.
const defaultMinGroupSize = 2

// buildClusters partitions orders into merge candidates under one rule.
// Orders are walked in deadline order; each order joins the first open
// cluster it is compatible with, otherwise it seeds a new one.
func buildClusters(rule *store.MixedBatchRule, orders []*store.Order) [][]*store.Order {
	minSize := rule.MinGroupSize
	if minSize < defaultMinGroupSize {
		minSize = defaultMinGroupSize
	}

	var open [][]*store.Order
	for _, o := range orders {
		placed := false
		for i, cluster := range open {
			if fitsCluster(rule, cluster, o) {
				open[i] = append(cluster, o)
				placed = true
				break
			}
		}
		if !placed {
			open = append(open, []*store.Order{o})
		}
	}

	var out [][]*store.Order
	for _, cluster := range open {
		if len(cluster) >= minSize {
			out = append(out, cluster)
		}
	}
	return out
}

// fitsCluster checks the rule's compatibility predicate plus the shared
// quantity and deadline-spread limits.
func fitsCluster(rule *store.MixedBatchRule, cluster []*store.Order, o *store.Order) bool {
	seed := cluster[0]

	if rule.MaxQuantity > 0 {
		total := o.Quantity
		for _, m := range cluster {
			total += m.Quantity
		}
		if total > rule.MaxQuantity {
			return false
		}
	}

	if rule.MaxSpreadHours > 0 {
		earliest, latest := o.Deadline, o.Deadline
		for _, m := range cluster {
			if m.Deadline.Before(earliest) {
				earliest = m.Deadline
			}
			if m.Deadline.After(latest) {
				latest = m.Deadline
			}
		}
		if latest.Sub(earliest) > time.Duration(rule.MaxSpreadHours)*time.Hour {
			return false
		}
	}

	switch rule.RuleType {
	case store.RuleSameProduct:
		return o.ProductType == seed.ProductType
	case store.RuleCompatibleProcess:
		return sharesTag(o.ProcessTags, seed.ProcessTags)
	case store.RuleLineProximity:
		// Params maps product type to its production line.
		lineA, lineB := rule.Params[o.ProductType], rule.Params[seed.ProductType]
		return lineA != "" && lineA == lineB
	case store.RuleDeadlineWindow:
		// The spread limit above is the whole predicate.
		return true
	}
	return false
}

// ruleAccepts re-validates a full membership set against a rule, used when a
// pending group's members are replaced.
func ruleAccepts(rule *store.MixedBatchRule, orders []*store.Order) bool {
	minSize := rule.MinGroupSize
	if minSize < defaultMinGroupSize {
		minSize = defaultMinGroupSize
	}
	if len(orders) < minSize {
		return false
	}
	cluster := orders[:1]
	for i := 1; i < len(orders); i++ {
		if !fitsCluster(rule, cluster, orders[i]) {
			return false
		}
		cluster = orders[:i+1]
	}
	return true
}

func sharesTag(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// scoreGroup rates a candidate 0-100 as the weight vector's blend of per-rule
// signals.
func scoreGroup(orders []*store.Order, rule *store.MixedBatchRule, w map[store.Strategy]float64) float64 {
	signals := map[store.Strategy]float64{
		store.StrategyEarliestDeadline: deadlineAlignment(orders, rule),
		store.StrategyMinChangeover:    changeoverSavings(orders),
		store.StrategyCapacityMatch:    quantityFit(orders, rule),
		store.StrategyShortestProcess:  processCompactness(orders),
		store.StrategyMaterialReady:    readyFraction(orders),
		store.StrategyUrgencyFirst:     urgency(orders),
	}

	score := 0.0
	for strategy, signal := range signals {
		score += w[strategy] * signal
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score * 100
}

// deadlineAlignment rewards tight deadline clusters relative to the allowed
// spread.
func deadlineAlignment(orders []*store.Order, rule *store.MixedBatchRule) float64 {
	if rule.MaxSpreadHours <= 0 {
		return 1
	}
	earliest, latest := orders[0].Deadline, orders[0].Deadline
	for _, o := range orders[1:] {
		if o.Deadline.Before(earliest) {
			earliest = o.Deadline
		}
		if o.Deadline.After(latest) {
			latest = o.Deadline
		}
	}
	spread := latest.Sub(earliest).Hours()
	v := 1 - spread/float64(rule.MaxSpreadHours)
	if v < 0 {
		v = 0
	}
	return v
}

// changeoverSavings counts the line switches a merge avoids: n orders of one
// product run as a single batch save n-1 changeovers.
func changeoverSavings(orders []*store.Order) float64 {
	products := make(map[string]bool)
	for _, o := range orders {
		products[o.ProductType] = true
	}
	n := float64(len(orders))
	runs := float64(len(products))
	return (n - runs) / n
}

// quantityFit rewards filling the rule's quantity ceiling.
func quantityFit(orders []*store.Order, rule *store.MixedBatchRule) float64 {
	if rule.MaxQuantity <= 0 {
		return 1
	}
	total := 0
	for _, o := range orders {
		total += o.Quantity
	}
	v := float64(total) / float64(rule.MaxQuantity)
	if v > 1 {
		v = 1
	}
	return v
}

// processCompactness rewards groups needing few distinct process steps.
func processCompactness(orders []*store.Order) float64 {
	union := make(map[string]bool)
	for _, o := range orders {
		for _, tag := range o.ProcessTags {
			union[tag] = true
		}
	}
	v := 1 - float64(len(union))/6.0
	if v < 0 {
		v = 0
	}
	return v
}

func readyFraction(orders []*store.Order) float64 {
	ready := 0
	for _, o := range orders {
		if o.MaterialReady {
			ready++
		}
	}
	return float64(ready) / float64(len(orders))
}

// urgency maps priority 0 (urgent) .. 10 (background) onto 1 .. 0.
func urgency(orders []*store.Order) float64 {
	sum := 0.0
	for _, o := range orders {
		p := o.Priority
		if p < 0 {
			p = 0
		}
		if p > 10 {
			p = 10
		}
		sum += float64(10-p) / 10.0
	}
	return sum / float64(len(orders))
}

// earliestDeadline is the tie-breaker between equally scored groups.
func earliestDeadline(orders []*store.Order) time.Time {
	earliest := orders[0].Deadline
	for _, o := range orders[1:] {
		if o.Deadline.Before(earliest) {
			earliest = o.Deadline
		}
	}
	return earliest
}
