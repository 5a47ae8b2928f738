package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// OriginRollback tags updates produced by ReplaceState so the broadcast
// path can tell them apart from connection-originated edits.
const OriginRollback = "rollback"

// ReplaceState rolls the live document back to a previously captured
// snapshot while keeping CRDT history intact. The document cannot be
// bluntly overwritten: peers holding post-snapshot changes would merge
// them right back. Instead the reverting operations are staged on a
// throwaway copy and applied as ordinary (newer) changes, so peers that
// never rolled back still converge.
//
// Stages, all against throwaway documents:
//  1. materialize the snapshot and a scratch copy of the live state;
//  2. fork the scratch copy at the snapshot heads to get a view of the
//     content as it was then (fails if the snapshot is unrelated);
//  3. write operations into the scratch copy restoring that content;
//  4. collect the changes the scratch copy now has beyond the live
//     heads and apply exactly those to the live document.
//
// Nothing touches the live document until the final apply, so a failure
// in any earlier stage leaves it unchanged.
func (d *Document) ReplaceState(snapshot []byte) error {
	snapDoc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("rollback: load snapshot: %w", err)
	}

	d.mu.Lock()
	current := d.doc.Save()
	liveHeads := d.doc.Heads()
	d.mu.Unlock()

	scratch, err := automerge.Load(current)
	if err != nil {
		return fmt.Errorf("rollback: copy live state: %w", err)
	}
	past, err := scratch.Fork(snapDoc.Heads()...)
	if err != nil {
		return fmt.Errorf("rollback: snapshot is not part of this document's history: %w", err)
	}

	if err := restoreMap(scratch.RootMap(), past.RootMap()); err != nil {
		return fmt.Errorf("rollback: build revert: %w", err)
	}

	revert, err := scratch.Changes(liveHeads...)
	if err != nil {
		return fmt.Errorf("rollback: collect revert changes: %w", err)
	}
	if len(revert) == 0 {
		// Already at the snapshot state.
		return nil
	}
	var update []byte
	for _, ch := range revert {
		update = append(update, ch.Save()...)
	}
	if err := d.ApplyUpdate(update, OriginRollback); err != nil {
		return fmt.Errorf("rollback: apply revert: %w", err)
	}
	return nil
}

// restoreMap makes dst equal src, touching only what differs.
func restoreMap(dst, src *automerge.Map) error {
	srcKeys, err := src.Keys()
	if err != nil {
		return err
	}
	dstKeys, err := dst.Keys()
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(srcKeys))
	for _, k := range srcKeys {
		wanted[k] = true
	}
	for _, k := range dstKeys {
		if !wanted[k] {
			if err := dst.Delete(k); err != nil {
				return err
			}
		}
	}
	for _, k := range srcKeys {
		sv, err := src.Get(k)
		if err != nil {
			return err
		}
		dv, err := dst.Get(k)
		if err != nil {
			return err
		}
		if err := restoreInMap(dst, k, dv, sv); err != nil {
			return err
		}
	}
	return nil
}

func restoreInMap(dst *automerge.Map, key string, dv, sv *automerge.Value) error {
	// Recurse into matching container types instead of replacing them
	// wholesale, to keep the revert change small.
	if dv != nil && dv.Kind() == sv.Kind() {
		switch sv.Kind() {
		case automerge.KindMap:
			return restoreMap(dv.Map(), sv.Map())
		case automerge.KindList:
			return restoreList(dv.List(), sv.List())
		case automerge.KindText:
			return restoreText(dv.Text(), sv.Text())
		}
		equal, err := valueEqual(dv, sv)
		if err != nil {
			return err
		}
		if equal {
			return nil
		}
	}

	switch sv.Kind() {
	case automerge.KindMap:
		if err := dst.Set(key, automerge.NewMap()); err != nil {
			return err
		}
		nv, err := dst.Get(key)
		if err != nil {
			return err
		}
		return restoreMap(nv.Map(), sv.Map())
	case automerge.KindList:
		if err := dst.Set(key, automerge.NewList()); err != nil {
			return err
		}
		nv, err := dst.Get(key)
		if err != nil {
			return err
		}
		return restoreList(nv.List(), sv.List())
	case automerge.KindText:
		s, err := sv.Text().Get()
		if err != nil {
			return err
		}
		return dst.Set(key, automerge.NewText(s))
	default:
		gv, err := scalarValue(sv)
		if err != nil {
			return err
		}
		return dst.Set(key, gv)
	}
}

// restoreList rebuilds dst from src when they differ. List reverts are
// coarse: index-level diffing buys little for the document shapes this
// server holds.
func restoreList(dst, src *automerge.List) error {
	equal, err := listEqual(dst, src)
	if err != nil {
		return err
	}
	if equal {
		return nil
	}
	for dst.Len() > 0 {
		if err := dst.Delete(0); err != nil {
			return err
		}
	}
	for i := 0; i < src.Len(); i++ {
		sv, err := src.Get(i)
		if err != nil {
			return err
		}
		switch sv.Kind() {
		case automerge.KindMap:
			if err := dst.Append(automerge.NewMap()); err != nil {
				return err
			}
			nv, err := dst.Get(dst.Len() - 1)
			if err != nil {
				return err
			}
			if err := restoreMap(nv.Map(), sv.Map()); err != nil {
				return err
			}
		case automerge.KindList:
			if err := dst.Append(automerge.NewList()); err != nil {
				return err
			}
			nv, err := dst.Get(dst.Len() - 1)
			if err != nil {
				return err
			}
			if err := restoreList(nv.List(), sv.List()); err != nil {
				return err
			}
		case automerge.KindText:
			s, err := sv.Text().Get()
			if err != nil {
				return err
			}
			if err := dst.Append(automerge.NewText(s)); err != nil {
				return err
			}
		default:
			gv, err := scalarValue(sv)
			if err != nil {
				return err
			}
			if err := dst.Append(gv); err != nil {
				return err
			}
		}
	}
	return nil
}

func restoreText(dst, src *automerge.Text) error {
	want, err := src.Get()
	if err != nil {
		return err
	}
	got, err := dst.Get()
	if err != nil {
		return err
	}
	if got == want {
		return nil
	}
	return dst.Set(want)
}

func scalarValue(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindTime:
		return v.Time(), nil
	case automerge.KindNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %v", v.Kind())
	}
}

func valueEqual(a, b *automerge.Value) (bool, error) {
	if a.Kind() != b.Kind() {
		return false, nil
	}
	switch a.Kind() {
	case automerge.KindMap:
		return mapEqual(a.Map(), b.Map())
	case automerge.KindList:
		return listEqual(a.List(), b.List())
	case automerge.KindText:
		as, err := a.Text().Get()
		if err != nil {
			return false, err
		}
		bs, err := b.Text().Get()
		if err != nil {
			return false, err
		}
		return as == bs, nil
	case automerge.KindStr:
		return a.Str() == b.Str(), nil
	case automerge.KindBytes:
		return string(a.Bytes()) == string(b.Bytes()), nil
	case automerge.KindInt64:
		return a.Int64() == b.Int64(), nil
	case automerge.KindUint64:
		return a.Uint64() == b.Uint64(), nil
	case automerge.KindFloat64:
		return a.Float64() == b.Float64(), nil
	case automerge.KindBool:
		return a.Bool() == b.Bool(), nil
	case automerge.KindTime:
		return a.Time().Equal(b.Time()), nil
	case automerge.KindNull:
		return true, nil
	default:
		return false, nil
	}
}

func mapEqual(a, b *automerge.Map) (bool, error) {
	ak, err := a.Keys()
	if err != nil {
		return false, err
	}
	bk, err := b.Keys()
	if err != nil {
		return false, err
	}
	if len(ak) != len(bk) {
		return false, nil
	}
	for _, k := range ak {
		av, err := a.Get(k)
		if err != nil {
			return false, err
		}
		bv, err := b.Get(k)
		if err != nil {
			return false, err
		}
		if bv.Kind() == automerge.KindVoid {
			return false, nil
		}
		equal, err := valueEqual(av, bv)
		if err != nil || !equal {
			return equal, err
		}
	}
	return true, nil
}

func listEqual(a, b *automerge.List) (bool, error) {
	if a.Len() != b.Len() {
		return false, nil
	}
	for i := 0; i < a.Len(); i++ {
		av, err := a.Get(i)
		if err != nil {
			return false, err
		}
		bv, err := b.Get(i)
		if err != nil {
			return false, err
		}
		equal, err := valueEqual(av, bv)
		if err != nil || !equal {
			return equal, err
		}
	}
	return true, nil
}
