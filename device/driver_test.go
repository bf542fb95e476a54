package device

import (
	"sort"
	"testing"
)

func TestDriverInfoListSorting(t *testing.T) {
	origlist := DriverInfoList{
		{Order: DetectOrderNormal},
		{Order: DetectOrderLast},
		{Order: DetectOrderNormal + 1},
		{Order: DetectOrderEarly},
	}

	list := append(DriverInfoList(nil), origlist...)
	sort.Stable(list)

	expOrder := []int{3, 0, 2, 1}
	for i, exp := range expOrder {
		if list[i] != origlist[exp] {
			t.Errorf("expected sorted entry %d to be %v; got %v", i, origlist[exp], list[i])
		}
	}
}
