package meshproto

// Telemetry is the TELEMETRY_APP payload. Exactly one metrics variant is set
// per packet; variants the bridge does not store are left nil.
type Telemetry struct {
	Time               uint32
	DeviceMetrics      *DeviceMetrics
	EnvironmentMetrics *EnvironmentMetrics
	PowerMetrics       *PowerMetrics
}

type DeviceMetrics struct {
	BatteryLevel       *uint32
	Voltage            *float32
	ChannelUtilization *float32
	AirUtilTx          *float32
	UptimeSeconds      *uint32
}

type EnvironmentMetrics struct {
	Temperature        *float32
	RelativeHumidity   *float32
	BarometricPressure *float32
	GasResistance      *float32
	Voltage            *float32
	Current            *float32
	Iaq                *uint32
}

// PowerMetrics carries up to three measurement channels. A channel is only
// meaningful when both its voltage and current are present.
type PowerMetrics struct {
	Ch1Voltage *float32
	Ch1Current *float32
	Ch2Voltage *float32
	Ch2Current *float32
	Ch3Voltage *float32
	Ch3Current *float32
}

func UnmarshalTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			t.Time = f.uint32()
		case 2:
			dm, err := unmarshalDeviceMetrics(f.bytes)
			if err != nil {
				return err
			}
			t.DeviceMetrics = dm
		case 3:
			em, err := unmarshalEnvironmentMetrics(f.bytes)
			if err != nil {
				return err
			}
			t.EnvironmentMetrics = em
		case 5:
			pm, err := unmarshalPowerMetrics(f.bytes)
			if err != nil {
				return err
			}
			t.PowerMetrics = pm
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("Telemetry", err)
	}
	return t, nil
}

func unmarshalDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			v := f.uint32()
			dm.BatteryLevel = &v
		case 2:
			v := f.float32()
			dm.Voltage = &v
		case 3:
			v := f.float32()
			dm.ChannelUtilization = &v
		case 4:
			v := f.float32()
			dm.AirUtilTx = &v
		case 5:
			v := f.uint32()
			dm.UptimeSeconds = &v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dm, nil
}

func unmarshalEnvironmentMetrics(b []byte) (*EnvironmentMetrics, error) {
	em := &EnvironmentMetrics{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			v := f.float32()
			em.Temperature = &v
		case 2:
			v := f.float32()
			em.RelativeHumidity = &v
		case 3:
			v := f.float32()
			em.BarometricPressure = &v
		case 4:
			v := f.float32()
			em.GasResistance = &v
		case 5:
			v := f.float32()
			em.Voltage = &v
		case 6:
			v := f.float32()
			em.Current = &v
		case 7:
			v := f.uint32()
			em.Iaq = &v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return em, nil
}

func unmarshalPowerMetrics(b []byte) (*PowerMetrics, error) {
	pm := &PowerMetrics{}
	err := forEachField(b, func(f field) error {
		set := func(dst **float32) {
			v := f.float32()
			*dst = &v
		}
		switch f.Num {
		case 1:
			set(&pm.Ch1Voltage)
		case 2:
			set(&pm.Ch1Current)
		case 3:
			set(&pm.Ch2Voltage)
		case 4:
			set(&pm.Ch2Current)
		case 5:
			set(&pm.Ch3Voltage)
		case 6:
			set(&pm.Ch3Current)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pm, nil
}

// Channels returns the power channels in wire order, keyed "ch1".."ch3".
func (pm *PowerMetrics) Channels() []PowerChannel {
	return []PowerChannel{
		{Name: "ch1", Voltage: pm.Ch1Voltage, Current: pm.Ch1Current},
		{Name: "ch2", Voltage: pm.Ch2Voltage, Current: pm.Ch2Current},
		{Name: "ch3", Voltage: pm.Ch3Voltage, Current: pm.Ch3Current},
	}
}

type PowerChannel struct {
	Name    string
	Voltage *float32
	Current *float32
}

// Marshal supports test fixtures and the debug tool; the ingest path only
// decodes telemetry.
func (t *Telemetry) Marshal() []byte {
	var b []byte
	if t.Time != 0 {
		b = appendFixed32(b, 1, t.Time)
	}
	if t.DeviceMetrics != nil {
		b = appendBytes(b, 2, t.DeviceMetrics.marshal())
	}
	if t.EnvironmentMetrics != nil {
		b = appendBytes(b, 3, t.EnvironmentMetrics.marshal())
	}
	if t.PowerMetrics != nil {
		b = appendBytes(b, 5, t.PowerMetrics.marshal())
	}
	return b
}

func (dm *DeviceMetrics) marshal() []byte {
	var b []byte
	if dm.BatteryLevel != nil {
		b = appendVarint(b, 1, uint64(*dm.BatteryLevel))
	}
	if dm.Voltage != nil {
		b = appendFloat32(b, 2, *dm.Voltage)
	}
	if dm.ChannelUtilization != nil {
		b = appendFloat32(b, 3, *dm.ChannelUtilization)
	}
	if dm.AirUtilTx != nil {
		b = appendFloat32(b, 4, *dm.AirUtilTx)
	}
	if dm.UptimeSeconds != nil {
		b = appendVarint(b, 5, uint64(*dm.UptimeSeconds))
	}
	return b
}

func (em *EnvironmentMetrics) marshal() []byte {
	var b []byte
	if em.Temperature != nil {
		b = appendFloat32(b, 1, *em.Temperature)
	}
	if em.RelativeHumidity != nil {
		b = appendFloat32(b, 2, *em.RelativeHumidity)
	}
	if em.BarometricPressure != nil {
		b = appendFloat32(b, 3, *em.BarometricPressure)
	}
	if em.GasResistance != nil {
		b = appendFloat32(b, 4, *em.GasResistance)
	}
	if em.Voltage != nil {
		b = appendFloat32(b, 5, *em.Voltage)
	}
	if em.Current != nil {
		b = appendFloat32(b, 6, *em.Current)
	}
	if em.Iaq != nil {
		b = appendVarint(b, 7, uint64(*em.Iaq))
	}
	return b
}

func (pm *PowerMetrics) marshal() []byte {
	var b []byte
	if pm.Ch1Voltage != nil {
		b = appendFloat32(b, 1, *pm.Ch1Voltage)
	}
	if pm.Ch1Current != nil {
		b = appendFloat32(b, 2, *pm.Ch1Current)
	}
	if pm.Ch2Voltage != nil {
		b = appendFloat32(b, 3, *pm.Ch2Voltage)
	}
	if pm.Ch2Current != nil {
		b = appendFloat32(b, 4, *pm.Ch2Current)
	}
	if pm.Ch3Voltage != nil {
		b = appendFloat32(b, 5, *pm.Ch3Voltage)
	}
	if pm.Ch3Current != nil {
		b = appendFloat32(b, 6, *pm.Ch3Current)
	}
	return b
}
