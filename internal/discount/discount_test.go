package discount

import (
	"testing"
	"time"

	"littlebee/backend/internal/domain"
)

func pct(name string, value float64, minimum float64) domain.Discount {
	return domain.Discount{ID: name, Name: name, Type: domain.DiscountPercentage, Value: value, MinimumAmount: minimum, Active: true}
}

func fixed(name string, value float64, minimum float64) domain.Discount {
	return domain.Discount{ID: name, Name: name, Type: domain.DiscountFixedAmount, Value: value, MinimumAmount: minimum, Active: true}
}

func TestBestForPicksGreatestSavings(t *testing.T) {
	now := time.Now()
	d1 := pct("d1", 10, 100)
	d2 := fixed("d2", 5, 10)

	best := BestFor([]domain.Discount{d2, d1}, 150, now)
	if best == nil || best.ID != "d1" {
		t.Fatalf("expected d1 (savings 15 > 5), got %+v", best)
	}
	if s := Savings(*best, 150); s != 15 {
		t.Fatalf("savings = %v, want 15", s)
	}
}

func TestBestForRespectsMinimum(t *testing.T) {
	now := time.Now()
	d1 := pct("d1", 10, 100)
	d2 := fixed("d2", 5, 10)

	best := BestFor([]domain.Discount{d1, d2}, 60, now)
	if best == nil || best.ID != "d2" {
		t.Fatalf("d1's minimum excludes it at 60, want d2, got %+v", best)
	}
}

func TestBestForTieKeepsFirst(t *testing.T) {
	now := time.Now()
	a := fixed("a", 5, 0)
	b := fixed("b", 5, 0)

	best := BestFor([]domain.Discount{a, b}, 50, now)
	if best == nil || best.ID != "a" {
		t.Fatalf("equal savings should keep the first candidate, got %+v", best)
	}
}

func TestBestForSkipsInactiveAndOutOfWindow(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	expired := now.Add(-time.Hour)

	inactive := fixed("inactive", 10, 0)
	inactive.Active = false
	upcoming := fixed("upcoming", 10, 0)
	upcoming.StartsAt = &future
	ended := fixed("ended", 10, 0)
	ended.EndsAt = &expired
	live := fixed("live", 1, 0)

	best := BestFor([]domain.Discount{inactive, upcoming, ended, live}, 50, now)
	if best == nil || best.ID != "live" {
		t.Fatalf("only the live discount applies, got %+v", best)
	}
}

func TestBestForIgnoresZeroSavings(t *testing.T) {
	now := time.Now()
	// 1% of 0.20 rounds to 0.00; a discount that saves nothing is no winner.
	if best := BestFor([]domain.Discount{pct("tiny", 1, 0)}, 0.20, now); best != nil {
		t.Fatalf("zero-savings candidate should not win, got %+v", best)
	}
	if best := BestFor([]domain.Discount{fixed("zero", 0, 0)}, 50, now); best != nil {
		t.Fatalf("zero-value discount should not win, got %+v", best)
	}
}

func TestBestForNoneApplicable(t *testing.T) {
	if best := BestFor([]domain.Discount{pct("d1", 10, 100)}, 40, time.Now()); best != nil {
		t.Fatalf("expected nil, got %+v", best)
	}
}

func TestSavingsFixedCappedAtAmount(t *testing.T) {
	if s := Savings(fixed("d", 20, 0), 12.50); s != 12.50 {
		t.Fatalf("fixed savings should cap at the amount, got %v", s)
	}
}

func TestSavingsPercentageRounds(t *testing.T) {
	// 7% of 33.33 is 2.3331, rounded to 2.33.
	if s := Savings(pct("d", 7, 0), 33.33); s != 2.33 {
		t.Fatalf("savings = %v, want 2.33", s)
	}
}
