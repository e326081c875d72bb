package story

// Invert produces the transaction that exactly undoes tx, computed
// against the document state from before tx was applied. Actions are
// processed in reverse order:
//
//   - CREATE inverts to DELETE of the same target.
//   - UPDATE inverts to an UPDATE restoring, for each key of the original
//     params, the pre-change value read from before.
//   - DELETE inverts to a CREATE carrying the target's full pre-delete
//     field set, followed by one UPDATE per record that referenced the
//     target, restoring exactly the fields that held its id.
//
// An action whose target no longer exists in before is a stale inversion
// and is silently dropped rather than failing the rest.
//
// Applying tx and then Invert(tx, before) to the mutated document
// restores every record and field of before, provided no third-party
// mutation touched the same records in between; no concurrency control
// beyond that is attempted. Restoration is exact up to table order only:
// actions carry no positional information, so a record deleted from the
// middle of its table is re-created at the end of it.
func Invert(tx Transaction, before *StoryModel) Transaction {
	var out Transaction
	for i := len(tx) - 1; i >= 0; i-- {
		action := tx[i]
		switch action.Kind {
		case KindCreate:
			out = append(out, Delete(action.TargetID))

		case KindUpdate:
			target := before.Find(action.TargetID)
			if target == nil {
				continue
			}
			fields := target.Fields()
			params := make(map[string]any, len(action.Params))
			for name := range action.Params {
				if value, ok := fields[name]; ok {
					params[name] = value
				}
			}
			out = append(out, Update(action.TargetID, params))

		case KindDelete:
			target := before.Find(action.TargetID)
			if target == nil {
				continue
			}
			out = append(out, Create(action.TargetID, target.Fields()))
			for _, linked := range before.FindAllLinked(action.TargetID) {
				out = append(out, Update(linked.EntityID(), linkedFields(linked, action.TargetID)))
			}
		}
	}
	return out
}
