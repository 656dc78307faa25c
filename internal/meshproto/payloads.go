package meshproto

import "google.golang.org/protobuf/encoding/protowire"

// User is the NODEINFO_APP payload: a node advertising its identity.
type User struct {
	ID        string
	LongName  string
	ShortName string
	Macaddr   []byte
	HwModel   uint32
	IsLicensed bool
	Role      uint32
}

func UnmarshalUser(b []byte) (*User, error) {
	u := &User{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			u.ID = f.string()
		case 2:
			u.LongName = f.string()
		case 3:
			u.ShortName = f.string()
		case 4:
			u.Macaddr = append([]byte(nil), f.bytes...)
		case 5:
			u.HwModel = f.uint32()
		case 6:
			u.IsLicensed = f.bool()
		case 7:
			u.Role = f.uint32()
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("User", err)
	}
	return u, nil
}

func (u *User) Marshal() []byte {
	var b []byte
	if u.ID != "" {
		b = appendString(b, 1, u.ID)
	}
	if u.LongName != "" {
		b = appendString(b, 2, u.LongName)
	}
	if u.ShortName != "" {
		b = appendString(b, 3, u.ShortName)
	}
	if len(u.Macaddr) > 0 {
		b = appendBytes(b, 4, u.Macaddr)
	}
	if u.HwModel != 0 {
		b = appendVarint(b, 5, uint64(u.HwModel))
	}
	if u.IsLicensed {
		b = appendVarint(b, 6, 1)
	}
	if u.Role != 0 {
		b = appendVarint(b, 7, uint64(u.Role))
	}
	return b
}

// Position is the POSITION_APP payload. Fields the pipeline gates or renames
// on are pointers so wire presence survives decoding.
type Position struct {
	LatitudeI     *int32
	LongitudeI    *int32
	Altitude      *int32
	Time          *uint32
	PrecisionBits *uint32
	PDOP          *uint32
	SatsInView    *uint32
	GroundSpeed   *uint32
}

func UnmarshalPosition(b []byte) (*Position, error) {
	p := &Position{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			v := f.int32()
			p.LatitudeI = &v
		case 2:
			v := f.int32()
			p.LongitudeI = &v
		case 3:
			v := f.int32()
			p.Altitude = &v
		case 4:
			v := f.uint32()
			p.Time = &v
		case 11:
			v := f.uint32()
			p.PDOP = &v
		case 15:
			v := f.uint32()
			p.GroundSpeed = &v
		case 19:
			v := f.uint32()
			p.SatsInView = &v
		case 23:
			v := f.uint32()
			p.PrecisionBits = &v
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("Position", err)
	}
	return p, nil
}

func (p *Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != nil {
		b = appendFixed32(b, 1, uint32(*p.LatitudeI))
	}
	if p.LongitudeI != nil {
		b = appendFixed32(b, 2, uint32(*p.LongitudeI))
	}
	if p.Altitude != nil {
		b = appendVarint(b, 3, uint64(int64(*p.Altitude)))
	}
	if p.Time != nil {
		b = appendFixed32(b, 4, *p.Time)
	}
	if p.PDOP != nil {
		b = appendVarint(b, 11, uint64(*p.PDOP))
	}
	if p.GroundSpeed != nil {
		b = appendVarint(b, 15, uint64(*p.GroundSpeed))
	}
	if p.SatsInView != nil {
		b = appendVarint(b, 19, uint64(*p.SatsInView))
	}
	if p.PrecisionBits != nil {
		b = appendVarint(b, 23, uint64(*p.PrecisionBits))
	}
	return b
}

// NeighborInfo is the NEIGHBORINFO_APP payload: a node reporting who it
// hears directly.
type NeighborInfo struct {
	NodeID                   uint32
	LastSentByID             uint32
	NodeBroadcastIntervalSecs uint32
	Neighbors                []*Neighbor
}

type Neighbor struct {
	NodeID uint32
	Snr    *float32
}

func UnmarshalNeighborInfo(b []byte) (*NeighborInfo, error) {
	ni := &NeighborInfo{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			ni.NodeID = f.uint32()
		case 2:
			ni.LastSentByID = f.uint32()
		case 3:
			ni.NodeBroadcastIntervalSecs = f.uint32()
		case 4:
			n := &Neighbor{}
			err := forEachField(f.bytes, func(nf field) error {
				switch nf.Num {
				case 1:
					n.NodeID = nf.uint32()
				case 2:
					v := nf.float32()
					n.Snr = &v
				}
				return nil
			})
			if err != nil {
				return err
			}
			ni.Neighbors = append(ni.Neighbors, n)
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("NeighborInfo", err)
	}
	return ni, nil
}

func (ni *NeighborInfo) Marshal() []byte {
	var b []byte
	if ni.NodeID != 0 {
		b = appendVarint(b, 1, uint64(ni.NodeID))
	}
	if ni.LastSentByID != 0 {
		b = appendVarint(b, 2, uint64(ni.LastSentByID))
	}
	if ni.NodeBroadcastIntervalSecs != 0 {
		b = appendVarint(b, 3, uint64(ni.NodeBroadcastIntervalSecs))
	}
	for _, n := range ni.Neighbors {
		var nb []byte
		if n.NodeID != 0 {
			nb = appendVarint(nb, 1, uint64(n.NodeID))
		}
		if n.Snr != nil {
			nb = appendFloat32(nb, 2, *n.Snr)
		}
		b = appendBytes(b, 4, nb)
	}
	return b
}

// RouteDiscovery is the TRACEROUTE_APP payload.
type RouteDiscovery struct {
	Route      []uint32
	SnrTowards []int32
	RouteBack  []uint32
	SnrBack    []int32
}

func UnmarshalRouteDiscovery(b []byte) (*RouteDiscovery, error) {
	rd := &RouteDiscovery{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1, 3:
			var nodes []uint32
			// Packed on the wire normally; tolerate the unpacked form.
			if f.Type == protowire.BytesType {
				var perr error
				nodes, perr = packedUint32(f.bytes)
				if perr != nil {
					return perr
				}
			} else {
				nodes = []uint32{f.uint32()}
			}
			if f.Num == 1 {
				rd.Route = append(rd.Route, nodes...)
			} else {
				rd.RouteBack = append(rd.RouteBack, nodes...)
			}
		case 2, 4:
			var snrs []int32
			if f.Type == protowire.BytesType {
				var perr error
				snrs, perr = packedInt32(f.bytes)
				if perr != nil {
					return perr
				}
			} else {
				snrs = []int32{f.int32()}
			}
			if f.Num == 2 {
				rd.SnrTowards = append(rd.SnrTowards, snrs...)
			} else {
				rd.SnrBack = append(rd.SnrBack, snrs...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("RouteDiscovery", err)
	}
	return rd, nil
}
