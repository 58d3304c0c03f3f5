package r2

// evaluateConditions implements section 4.5's RFC 7232-like evaluation
// against the current stored metadata, if any. All four checks must
// pass; when the object is absent, ifMatch and ifModifiedSince pass
// only when unset.
func evaluateConditions(cond Conditions, current *ObjectEntry) bool {
	ifMatchPassed := cond.EtagMatches == "" || (current != nil && current.ETag == cond.EtagMatches)
	ifNoneMatchPassed := cond.EtagDoesNotMatch == "" || (current == nil || current.ETag != cond.EtagDoesNotMatch)

	ifUnmodifiedPassed := true
	if cond.UnmodifiedSince != nil {
		if current == nil {
			ifUnmodifiedPassed = false
		} else {
			bound := cond.UnmodifiedSince.UnixMilli()
			uploaded := current.Uploaded
			if cond.SecondsGranularity {
				bound = (bound / 1000) * 1000
				uploaded = (uploaded / 1000) * 1000
			}
			ifUnmodifiedPassed = uploaded <= bound
		}
	}
	if cond.EtagMatches != "" && ifMatchPassed {
		ifUnmodifiedPassed = true
	}

	ifModifiedPassed := true
	if cond.ModifiedSince != nil {
		if current == nil {
			ifModifiedPassed = false
		} else {
			bound := cond.ModifiedSince.UnixMilli()
			uploaded := current.Uploaded
			if cond.SecondsGranularity {
				bound = (bound / 1000) * 1000
				uploaded = (uploaded / 1000) * 1000
			}
			ifModifiedPassed = uploaded > bound
		}
	}
	if cond.EtagDoesNotMatch != "" && ifNoneMatchPassed {
		ifModifiedPassed = true
	}

	if current == nil {
		if cond.EtagMatches != "" {
			ifMatchPassed = false
		}
		if cond.ModifiedSince != nil {
			ifModifiedPassed = false
		}
	}

	return ifMatchPassed && ifNoneMatchPassed && ifUnmodifiedPassed && ifModifiedPassed
}
