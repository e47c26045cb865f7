package models

import "strconv"

type Addr interface {
	GetAddr() string
}

type VSockAddr struct {
	ContextId uint32
	Port      uint32
}

func (va *VSockAddr) GetAddr() string {
	return strconv.FormatUint(uint64(va.ContextId), 10) + ":" + strconv.FormatUint(uint64(va.Port), 10)
}

type TcpAddr struct {
	IP   string
	Port uint32
}

func (ta *TcpAddr) GetAddr() string {
	return ta.IP + ":" + strconv.FormatUint(uint64(ta.Port), 10)
}
