package api

import "testing"

func TestLegTableLifecycle(t *testing.T) {
	tbl := newLegTable()
	tbl.add(&apiLeg{callID: "call1", clientID: "c1", sessionID: "s1"})
	tbl.add(&apiLeg{callID: "call1", clientID: "c2", sessionID: "s2"})

	if leg := tbl.get("c1", "call1"); leg == nil || leg.sessionID != "s1" {
		t.Fatalf("get(c1, call1) = %+v", leg)
	}
	if leg := tbl.get("c1", "call1"); leg == nil {
		t.Error("get should not consume the leg")
	}

	leg := tbl.take("c1", "call1")
	if leg == nil || leg.sessionID != "s1" {
		t.Fatalf("take(c1, call1) = %+v", leg)
	}
	if tbl.take("c1", "call1") != nil {
		t.Error("second take should be nil")
	}
	if tbl.takeBySession("s1") != nil {
		t.Error("session index should be cleaned with the leg")
	}

	if leg := tbl.takeBySession("s2"); leg == nil || leg.clientID != "c2" {
		t.Fatalf("takeBySession(s2) = %+v", leg)
	}
}

func TestLegTableDropClient(t *testing.T) {
	tbl := newLegTable()
	tbl.add(&apiLeg{callID: "call1", clientID: "c1", sessionID: "s1"})
	tbl.add(&apiLeg{callID: "call2", clientID: "c1", sessionID: "s2"})
	tbl.add(&apiLeg{callID: "call3", clientID: "c2", sessionID: "s3"})

	dropped := tbl.dropClient("c1")
	if len(dropped) != 2 {
		t.Fatalf("dropped %d legs, want 2", len(dropped))
	}
	if tbl.get("c2", "call3") == nil {
		t.Error("c2's leg should survive")
	}
	if tbl.takeBySession("s1") != nil || tbl.takeBySession("s2") != nil {
		t.Error("dropped legs should leave no session index entries")
	}
}
