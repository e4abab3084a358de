// Package rtp реализует медиа транспорт звонков: прием и отправку RTP
// пакетов, восстановление DTMF событий из потока, таблицы payload type,
// пакетизацию аудио и канал управления RTCP.
//
// # Основные возможности
//
//   - Разбор и сборка RTP заголовков (RFC 3550) поверх pion/rtp
//   - Таблица payload type сессии со статическими привязками RFC 3551 и
//     согласованием через SDP
//   - DTMF по RFC 4733 и Cisco DTMF в обоих направлениях
//   - Пакетизатор, выдающий пакеты фиксированной длительности
//   - Обучение адреса удаленной стороны за NAT
//   - Пересылка пакетов между двумя сессиями без декодирования (мост)
//   - SRTP через подключаемый провайдер (pion/srtp, ключи DTLS-SRTP)
//   - RTCP отчеты и события телеметрии
//
// # Архитектура
//
//   - Session - поток одного плеча звонка, Write/Read вызываются из цикла
//     ввода-вывода звонка
//   - PayloadRegistry - таблица payload type сессии
//   - EventReconstructor - сборка пакетов событий в нажатия
//   - Smoother - пакетизатор
//   - Reporter - канал управления (RTCP)
//   - Transport - датаграммный транспорт, UDPTransport его реализация
//
// # Быстрый старт
//
//	media, control, err := rtp.ListenPair("0.0.0.0", rtp.UDPConfig{Symmetric: true})
//	if err != nil {
//	    return err
//	}
//	session, err := rtp.NewSession(rtp.SessionConfig{Transport: media, Control: control})
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	session.SetPeer(remote)
//	err = session.Write(rtp.NewVoiceFrame(rtp.CodecULAW, payload))
//
//	frame, err := session.Read()
//	if frame != nil && frame.Type == rtp.FrameDTMFEnd {
//	    fmt.Printf("цифра %c\n", frame.Digit)
//	}
package rtp
