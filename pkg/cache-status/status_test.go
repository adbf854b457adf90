package cachestatus

import "testing"

func TestCacheStatusString(t *testing.T) {
	cases := []struct {
		build func(*CacheStatus)
		want  string
	}{
		{func(cs *CacheStatus) { cs.Hit() }, "OfflineCache; hit"},
		{func(cs *CacheStatus) { cs.Forward(FwdReasonUriMiss); cs.Stored = true }, "OfflineCache; fwd=uri-miss; stored"},
		{func(cs *CacheStatus) { cs.Forward(FwdReasonBypass) }, "OfflineCache; fwd=bypass"},
		{func(cs *CacheStatus) { cs.Forward(FwdReasonRequest); cs.SetDetail(DetailStale) }, "OfflineCache; fwd=request; detail=stale"},
	}
	for _, c := range cases {
		cs := CacheStatus{}
		c.build(&cs)
		if got := cs.String(); got != c.want {
			t.Fatalf("Cache-Status is '%s', expected '%s'", got, c.want)
		}
	}
}

func TestHitClearsForwardReason(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdReasonMiss)
	cs.Hit()
	if !cs.IsHit() || cs.FwdReason != "" {
		t.Fatalf("Status %+v", cs)
	}
}
