package formula

import "encoding/json"

// UnmarshalJSON for Formula decodes the raw keg_only field (bool, string,
// or absent) into the typed KegOnly after the default decode has populated
// everything else, mirroring the upstream API's inconsistent encoding of
// that one field.
func (f *Formula) UnmarshalJSON(data []byte) error {
	type alias Formula
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = Formula(a)
	ko, err := decodeKegOnly(f.KegOnlyRaw)
	if err != nil {
		return err
	}
	f.KegOnly = ko
	f.KegOnlyRaw = nil
	return nil
}

func decodeKegOnly(raw any) (KegOnly, error) {
	switch v := raw.(type) {
	case nil:
		return KegOnly{State: KegOnlyNo}, nil
	case bool:
		if v {
			return KegOnly{State: KegOnlyYes}, nil
		}
		return KegOnly{State: KegOnlyNo}, nil
	case string:
		return KegOnly{State: KegOnlyReason, Reason: v}, nil
	default:
		return KegOnly{State: KegOnlyNo}, nil
	}
}

// UnmarshalJSON for UsesFromMacos accepts either a bare string
// ("xz") or a single-key object ({"zlib": "build"}), defaulting the
// context to "runtime" for the bare-string form.
func (u *UsesFromMacos) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Name = s
		u.Context = "runtime"
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for name, ctx := range obj {
		u.Name = name
		u.Context = ctx
		break
	}
	return nil
}
