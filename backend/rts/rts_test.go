package rts_test

import (
	"testing"

	z "Coderoom/backend/internal/testing"
	"Coderoom/backend/rts"
	"Coderoom/backend/types"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// Test_RTS_Insert_Chain verifies that a typed chain renders in order.
func Test_RTS_Insert_Chain(t *testing.T) {
	doc := rts.New()

	for _, op := range z.InsertsFromString("hello", "a", types.RootID, 1) {
		res, err := doc.Apply(op)
		require.NoError(t, err)
		require.False(t, res.Duplicate)
	}

	require.Equal(t, "hello", doc.Text())
	require.Equal(t, 5, doc.Len())
	require.Equal(t, types.VersionVector{"a": 5}, doc.Version())
}

// Test_RTS_Concurrent_Inserts_Same_Anchor verifies the hi/yo scenario: two
// sessions type after the root concurrently and both replicas agree.
func Test_RTS_Concurrent_Inserts_Same_Anchor(t *testing.T) {
	hi := z.InsertsFromString("hi", "A", types.RootID, 1)
	yo := z.InsertsFromString("yo", "B", types.RootID, 1)

	replicaA := rts.NewReplica("A")
	require.NoError(t, replicaA.Merge(hi...))
	require.NoError(t, replicaA.Merge(yo...))

	replicaB := rts.NewReplica("B")
	require.NoError(t, replicaB.Merge(yo...))
	require.NoError(t, replicaB.Merge(hi...))

	// equal seqs, the greater site goes first
	require.Equal(t, "yohi", replicaA.Text())
	require.Equal(t, replicaA.Text(), replicaB.Text())
}

// Test_RTS_Delete_With_Concurrent_Insert verifies that deleting a character
// while another session inserts after it keeps the insert exactly once.
func Test_RTS_Delete_With_Concurrent_Insert(t *testing.T) {
	a := rts.NewReplica("A")
	abc, err := a.InsertAt(0, "abc")
	require.NoError(t, err)

	b := rts.NewReplica("B")
	require.NoError(t, b.Merge(abc...))

	del, err := b.DeleteAt(1, 1)
	require.NoError(t, err)
	require.Equal(t, "ac", b.Text())

	ins, err := a.InsertAt(2, "X")
	require.NoError(t, err)
	require.Equal(t, types.ElementID{Site: "A", Seq: 2}, ins[0].After)

	require.NoError(t, a.Merge(del...))
	require.NoError(t, b.Merge(ins...))

	require.Equal(t, "aXc", a.Text())
	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, 1, a.Tombstones())
}

// Test_RTS_Idempotent verifies that applying an operation twice has the effect
// of applying it once.
func Test_RTS_Idempotent(t *testing.T) {
	doc := rts.New()
	ops := z.InsertsFromString("ab", "a", types.RootID, 1)
	del := types.NewDelete(z.ID("a", 1), z.ID("b", 3))
	ops = append(ops, del)

	for _, op := range ops {
		_, err := doc.Apply(op)
		require.NoError(t, err)
	}
	text, version := doc.Text(), doc.Version()

	for _, op := range ops {
		res, err := doc.Apply(op)
		require.NoError(t, err)
		require.True(t, res.Duplicate)
	}

	require.Equal(t, "b", text)
	require.Equal(t, text, doc.Text())
	require.Equal(t, version, doc.Version())
}

// Test_RTS_Concurrent_Deletes verifies that two deletes of one character
// converge and the losing one is a duplicate.
func Test_RTS_Concurrent_Deletes(t *testing.T) {
	doc := rts.New()
	for _, op := range z.InsertsFromString("xy", "a", types.RootID, 1) {
		_, err := doc.Apply(op)
		require.NoError(t, err)
	}

	first, err := doc.Apply(types.NewDelete(z.ID("a", 2), z.ID("b", 3)))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := doc.Apply(types.NewDelete(z.ID("a", 2), z.ID("c", 3)))
	require.NoError(t, err)
	require.True(t, second.Duplicate)

	require.Equal(t, "x", doc.Text())
	require.True(t, doc.Version().Covers(z.ID("c", 3)))
}

// Test_RTS_Malformed verifies that invalid operations are rejected and leave
// the document untouched.
func Test_RTS_Malformed(t *testing.T) {
	doc := rts.New()
	for _, op := range z.InsertsFromString("ok", "a", types.RootID, 1) {
		_, err := doc.Apply(op)
		require.NoError(t, err)
	}

	bad := map[string]types.Op{
		"unknown anchor":  types.NewInsert(z.ID("b", 1), z.ID("zz", 9), "x"),
		"empty char":      types.NewInsert(z.ID("b", 1), types.RootID, ""),
		"two chars":       types.NewInsert(z.ID("b", 1), types.RootID, "xy"),
		"zero seq":        types.NewInsert(z.ID("b", 0), types.RootID, "x"),
		"no site":         types.NewInsert(z.ID("", 1), types.RootID, "x"),
		"unknown target":  types.NewDelete(z.ID("zz", 9), z.ID("b", 1)),
		"delete root":     types.NewDelete(types.RootID, z.ID("b", 1)),
		"no stamp":        types.NewDelete(z.ID("a", 1), types.ElementID{}),
		"unknown kind":    {Kind: "move", ID: z.ID("b", 1)},
	}

	for name, op := range bad {
		_, err := doc.Apply(op)
		require.ErrorIs(t, err, rts.ErrMalformedOperation, name)
	}

	require.Equal(t, "ok", doc.Text())
	require.Equal(t, types.VersionVector{"a": 2}, doc.Version())
}

// Test_RTS_Reordered_Site_Ops verifies that independent operations of one
// site converge whatever order they arrive in.
func Test_RTS_Reordered_Site_Ops(t *testing.T) {
	x := types.NewInsert(z.ID("A", 1), types.RootID, "x")
	y := types.NewInsert(z.ID("A", 2), types.RootID, "y")

	r1, r2 := rts.New(), rts.New()
	for _, op := range []types.Op{x, y} {
		_, err := r1.Apply(op)
		require.NoError(t, err)
	}
	for _, op := range []types.Op{y, x} {
		_, err := r2.Apply(op)
		require.NoError(t, err)
	}
	require.Equal(t, "yx", r1.Text())
	require.Equal(t, r1.Text(), r2.Text())
	require.Equal(t, r1.Version(), r2.Version())

	// a delete stamped below the high-water of its site still applies
	del := types.NewDelete(z.ID("A", 1), z.ID("B", 1))
	ins := types.NewInsert(z.ID("B", 2), z.ID("A", 2), "z")
	for _, op := range []types.Op{ins, del} {
		_, err := r1.Apply(op)
		require.NoError(t, err)
	}
	for _, op := range []types.Op{del, ins} {
		_, err := r2.Apply(op)
		require.NoError(t, err)
	}
	require.Equal(t, "yz", r1.Text())
	require.Equal(t, r1.Text(), r2.Text())

	res, err := r1.Apply(del)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.True(t, r1.Seen(del))
	require.Equal(t, uint64(2), r1.HighWater("B"))
}

// Test_RTS_Causal_Anchor_On_Tombstone verifies that an insert anchored on a
// deleted character still lands where its author saw it.
func Test_RTS_Causal_Anchor_On_Tombstone(t *testing.T) {
	a := rts.NewReplica("A")
	ops, err := a.InsertAt(0, "abc")
	require.NoError(t, err)

	b := rts.NewReplica("B")
	require.NoError(t, b.Merge(ops...))

	// B types after "b" before learning that A deleted it
	ins, err := b.InsertAt(2, "Y")
	require.NoError(t, err)
	del, err := a.DeleteAt(1, 1)
	require.NoError(t, err)

	require.NoError(t, a.Merge(ins...))
	require.NoError(t, b.Merge(del...))

	require.Equal(t, "aYc", a.Text())
	require.Equal(t, a.Text(), b.Text())
}

// Test_RTS_DiffSince verifies that a cursor gets exactly the operations it
// has not seen, in an order that applies cleanly.
func Test_RTS_DiffSince(t *testing.T) {
	server := rts.NewReplica("S")
	_, err := server.InsertAt(0, "abc")
	require.NoError(t, err)

	snapshot, err := server.Snapshot()
	require.NoError(t, err)
	client, err := rts.Restore(snapshot)
	require.NoError(t, err)
	cursor := client.Version()

	_, err = server.DeleteAt(0, 1)
	require.NoError(t, err)
	_, err = server.InsertAt(2, "de")
	require.NoError(t, err)

	missing, err := server.DiffSince(cursor)
	require.NoError(t, err)
	require.Len(t, missing, 3)

	for _, op := range missing {
		_, err := client.Apply(op)
		require.NoError(t, err)
	}
	require.Equal(t, "bcde", client.Text())
	require.Equal(t, server.Version(), client.Version())

	none, err := server.DiffSince(server.Version())
	require.NoError(t, err)
	require.Empty(t, none)
}

// Test_RTS_Compact verifies that compaction drops only stable leaf
// tombstones and that old cursors are refused afterwards.
func Test_RTS_Compact(t *testing.T) {
	r := rts.NewReplica("A")
	_, err := r.InsertAt(0, "abcd")
	require.NoError(t, err)
	old := r.Version()

	// "d" is a leaf, "b" anchors "c"
	_, err = r.DeleteAt(3, 1)
	require.NoError(t, err)
	_, err = r.DeleteAt(1, 1)
	require.NoError(t, err)
	require.Equal(t, "ac", r.Text())
	require.Equal(t, 2, r.Tombstones())

	removed := r.Compact(r.Version())
	require.Equal(t, 1, removed)
	require.Equal(t, 1, r.Tombstones())
	require.False(t, r.Contains(z.ID("A", 4)))
	require.True(t, r.Contains(z.ID("A", 2)))
	require.Equal(t, "ac", r.Text())

	_, err = r.DiffSince(old)
	require.ErrorIs(t, err, rts.ErrStaleCursor)

	_, err = r.DiffSince(r.Version())
	require.NoError(t, err)

	// the compacted state survives a snapshot round trip
	snapshot, err := r.Snapshot()
	require.NoError(t, err)
	restored, err := rts.Restore(snapshot)
	require.NoError(t, err)
	require.Equal(t, "ac", restored.Text())
	require.Equal(t, r.Version(), restored.Version())
	_, err = restored.DiffSince(old)
	require.ErrorIs(t, err, rts.ErrStaleCursor)
}

// Test_RTS_Compact_Unstable verifies that tombstones not covered by the
// stable vector are kept.
func Test_RTS_Compact_Unstable(t *testing.T) {
	r := rts.NewReplica("A")
	_, err := r.InsertAt(0, "ab")
	require.NoError(t, err)
	stable := r.Version()

	_, err = r.DeleteAt(1, 1)
	require.NoError(t, err)

	require.Equal(t, 0, r.Compact(stable))
	require.Equal(t, 1, r.Tombstones())
}

// Test_RTS_Snapshot_Restore verifies that a restored document keeps its text,
// its cursor and its sequence numbering.
func Test_RTS_Snapshot_Restore(t *testing.T) {
	r := rts.NewReplica("A")
	_, err := r.InsertAt(0, "héllo, 世界")
	require.NoError(t, err)
	_, err = r.DeleteAt(0, 1)
	require.NoError(t, err)

	snapshot, err := r.Snapshot()
	require.NoError(t, err)

	restored, err := rts.Restore(snapshot)
	require.NoError(t, err)
	require.Equal(t, r.Text(), restored.Text())
	require.Equal(t, "éllo, 世界", restored.Text())
	require.Equal(t, r.Version(), restored.Version())
	require.Equal(t, r.Tombstones(), restored.Tombstones())

	// a replica bound to the restored document keeps numbering upwards
	next, err := rts.Bind(restored, "A").InsertAt(0, "!")
	require.NoError(t, err)
	require.Greater(t, next[0].ID.Seq, r.Version()["A"])

	_, err = rts.Restore([]byte("{"))
	require.Error(t, err)
	_, err = rts.Restore([]byte(`{"format": 99}`))
	require.Error(t, err)
}

// Test_RTS_Convergence verifies that clients exchanging operations through a
// hub converge under randomized interleavings.
func Test_RTS_Convergence(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		runConvergence(t, seed, 4, 400)
	}
}

func runConvergence(t *testing.T, seed uint64, clients, steps int) {
	rnd := rand.New(rand.NewSource(seed))
	const alphabet = "abcdefghijklmnopqrstuvwxyz "

	hub := rts.New()
	replicas := make([]*rts.Replica, clients)
	up := make([][]types.Op, clients)
	down := make([][]types.Op, clients)
	for i := range replicas {
		replicas[i] = rts.NewReplica(string(rune('A' + i)))
	}

	toHub := func(c int) {
		op := up[c][0]
		up[c] = up[c][1:]
		res, err := hub.Apply(op)
		require.NoError(t, err, "seed %d", seed)
		if res.Duplicate {
			return
		}
		for d := range down {
			if d != c {
				down[d] = append(down[d], op)
			}
		}
	}
	toClient := func(c int) {
		op := down[c][0]
		down[c] = down[c][1:]
		require.NoError(t, replicas[c].Merge(op), "seed %d", seed)
	}

	for i := 0; i < steps; i++ {
		c := rnd.Intn(clients)
		r := replicas[c]

		switch rnd.Intn(4) {
		case 0:
			pos := rnd.Intn(r.Len() + 1)
			ops, err := r.InsertAt(pos, string(alphabet[rnd.Intn(len(alphabet))]))
			require.NoError(t, err)
			up[c] = append(up[c], ops...)
		case 1:
			if r.Len() == 0 {
				continue
			}
			ops, err := r.DeleteAt(rnd.Intn(r.Len()), 1)
			require.NoError(t, err)
			up[c] = append(up[c], ops...)
		case 2:
			if len(up[c]) > 0 {
				toHub(c)
			}
		case 3:
			if len(down[c]) > 0 {
				toClient(c)
			}
		}
	}

	for {
		moved := false
		for c := 0; c < clients; c++ {
			for len(up[c]) > 0 {
				toHub(c)
				moved = true
			}
		}
		for c := 0; c < clients; c++ {
			for len(down[c]) > 0 {
				toClient(c)
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	for c, r := range replicas {
		require.Equal(t, hub.Text(), r.Text(), "seed %d, client %d", seed, c)
	}
}
