package timeline

import "testing"

func TestStoreKeepsMostRecent(t *testing.T) {
	s := NewStore(3)
	for i := int64(1); i <= 5; i++ {
		s.Record(SyncEvent{CycleID: "c1", EntryID: i, Stage: StageDispatched})
	}

	all := s.GetAllEvents()
	if len(all) != 3 || all[0].EntryID != 3 || all[2].EntryID != 5 {
		t.Fatalf("expected entries 3..5, got %+v", all)
	}
	if len(s.GetEvents(1)) != 0 {
		t.Error("evicted entry still reported")
	}
	if all[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped on record")
	}
}

func TestStoreFilters(t *testing.T) {
	s := NewStore(0)
	s.Record(SyncEvent{CycleID: "c1", Stage: StageCycleStarted})
	s.Record(SyncEvent{CycleID: "c1", EntryID: 7, Stage: StageFailed})
	s.Record(SyncEvent{CycleID: "c2", EntryID: 7, Stage: StageConfirmed})

	if got := s.GetEvents(7); len(got) != 2 || got[1].Stage != StageConfirmed {
		t.Errorf("entry history = %+v", got)
	}
	if got := s.GetCycle("c1"); len(got) != 2 {
		t.Errorf("cycle c1 = %+v", got)
	}
}
