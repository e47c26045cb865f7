package hgfs

type FileType uint32

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// Validity bits for AttrV2.Mask. A clear bit means the field carries
// nothing.
const (
	AttrValidType uint64 = 1 << iota
	AttrValidSize
	AttrValidCreationTime
	AttrValidAccessTime
	AttrValidWriteTime
	AttrValidChangeTime
	AttrValidSpecialPerms
	AttrValidOwnerPerms
	AttrValidGroupPerms
	AttrValidOtherPerms
	AttrValidFlags
	AttrValidAllocationSize
	AttrValidUserId
	AttrValidGroupId
	AttrValidFileId
	AttrValidVolumeId
)

// Attr is the first-generation attribute block, every field always
// present. Times count 100ns units since the Windows epoch.
type Attr struct {
	Type         FileType
	Size         uint64
	CreationTime uint64
	AccessTime   uint64
	WriteTime    uint64
	ChangeTime   uint64
	Permissions  uint8 // owner rwx
}

func (a *Attr) pack(p *packer) {
	p.u32(uint32(a.Type))
	p.u64(a.Size)
	p.u64(a.CreationTime)
	p.u64(a.AccessTime)
	p.u64(a.WriteTime)
	p.u64(a.ChangeTime)
	p.u8(a.Permissions)
}

func (a *Attr) unpack(u *unpacker) {
	a.Type = FileType(u.u32())
	a.Size = u.u64()
	a.CreationTime = u.u64()
	a.AccessTime = u.u64()
	a.WriteTime = u.u64()
	a.ChangeTime = u.u64()
	a.Permissions = u.u8()
}

// AttrV2 widens the block and gates every field behind Mask, so a
// host can answer with exactly what it knows.
type AttrV2 struct {
	Mask         uint64
	Type         FileType
	Size         uint64
	CreationTime uint64
	AccessTime   uint64
	WriteTime    uint64
	ChangeTime   uint64

	SpecialPerms uint8
	OwnerPerms   uint8
	GroupPerms   uint8
	OtherPerms   uint8

	Flags          uint64
	AllocationSize uint64
	UserId         uint32
	GroupId        uint32
	HostFileId     uint64
	VolumeId       uint32
}

func (a *AttrV2) pack(p *packer) {
	p.u64(a.Mask)
	p.u32(uint32(a.Type))
	p.u64(a.Size)
	p.u64(a.CreationTime)
	p.u64(a.AccessTime)
	p.u64(a.WriteTime)
	p.u64(a.ChangeTime)
	p.u8(a.SpecialPerms)
	p.u8(a.OwnerPerms)
	p.u8(a.GroupPerms)
	p.u8(a.OtherPerms)
	p.u64(a.Flags)
	p.u64(a.AllocationSize)
	p.u32(a.UserId)
	p.u32(a.GroupId)
	p.u64(a.HostFileId)
	p.u32(a.VolumeId)
}

func (a *AttrV2) unpack(u *unpacker) {
	a.Mask = u.u64()
	a.Type = FileType(u.u32())
	a.Size = u.u64()
	a.CreationTime = u.u64()
	a.AccessTime = u.u64()
	a.WriteTime = u.u64()
	a.ChangeTime = u.u64()
	a.SpecialPerms = u.u8()
	a.OwnerPerms = u.u8()
	a.GroupPerms = u.u8()
	a.OtherPerms = u.u8()
	a.Flags = u.u64()
	a.AllocationSize = u.u64()
	a.UserId = u.u32()
	a.GroupId = u.u32()
	a.HostFileId = u.u64()
	a.VolumeId = u.u32()
}

// fromV1 lifts a first-generation block into the masked form.
func (a *AttrV2) fromV1(old *Attr) {
	*a = AttrV2{
		Mask: AttrValidType | AttrValidSize | AttrValidCreationTime |
			AttrValidAccessTime | AttrValidWriteTime | AttrValidChangeTime |
			AttrValidOwnerPerms,
		Type:         old.Type,
		Size:         old.Size,
		CreationTime: old.CreationTime,
		AccessTime:   old.AccessTime,
		WriteTime:    old.WriteTime,
		ChangeTime:   old.ChangeTime,
		OwnerPerms:   old.Permissions,
	}
}

// toV1 narrows a masked block for a first-generation host.
func (a *AttrV2) toV1() *Attr {
	return &Attr{
		Type:         a.Type,
		Size:         a.Size,
		CreationTime: a.CreationTime,
		AccessTime:   a.AccessTime,
		WriteTime:    a.WriteTime,
		ChangeTime:   a.ChangeTime,
		Permissions:  a.OwnerPerms,
	}
}
